// Package journal appends raw telemetry frames to persistent queue
// and replays them through status decoder.
package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/openhand/openhand/log2"
	"github.com/openhand/openhand/status"
	"github.com/temoto/spq"
)

// InMemory path keeps journal in memory, for tests and dry runs.
const InMemory = spq.OnlyForTesting

// denote record type in queue bytes form
const (
	tagFrame uint64 = 1
)

// Frame is one raw telemetry message as received.
type Frame struct {
	Topic   string
	Payload []byte
	Time    time.Time
}

func (f Frame) MarshalBinary() ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, 32+len(f.Topic)+len(f.Payload)))
	if err := buf.EncodeVarint(tagFrame); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(f.Time.UnixNano())); err != nil {
		return nil, err
	}
	if err := buf.EncodeStringBytes(f.Topic); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(f.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Frame) UnmarshalBinary(b []byte) error {
	buf := proto.NewBuffer(b)
	tag, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "frame tag")
	}
	if tag != tagFrame {
		return errors.NotValidf("frame tag=%d", tag)
	}
	nanos, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "frame time")
	}
	if f.Topic, err = buf.DecodeStringBytes(); err != nil {
		return errors.Annotate(err, "frame topic")
	}
	if f.Payload, err = buf.DecodeRawBytes(true); err != nil {
		return errors.Annotate(err, "frame payload")
	}
	f.Time = time.Unix(0, int64(nanos))
	return nil
}

// Journal contract:
// - Record blocks at most for disk write
// - frames are replayed in order of Record calls
// - Replay consumes frames, replayed frames are deleted
type Journal struct {
	log      *log2.Log
	q        *spq.Queue
	recorded uint64

	closeOnce sync.Once
	closeErr  error
}

func Open(path string, log *log2.Log) (*Journal, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "journal open path=%s", path)
	}
	return &Journal{log: log, q: q}, nil
}

// Record fits telemetry.Recorder.
func (j *Journal) Record(topic string, payload []byte, at time.Time) error {
	err := j.q.MarshalPush(Frame{Topic: topic, Payload: payload, Time: at})
	if err != nil {
		return errors.Annotate(err, "journal record")
	}
	atomic.AddUint64(&j.recorded, 1)
	return nil
}

func (j *Journal) Recorded() uint64 { return atomic.LoadUint64(&j.recorded) }

// Close is safe to call many times.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { j.closeErr = j.q.Close() })
	return j.closeErr
}

type ReplayFunc func(f Frame, s status.Snapshot, ok bool)

type peeked struct {
	box spq.Box
	err error
}

// Replay feeds stored frames through status decoder in order.
// Queue read blocks while empty, so Replay closes journal when
// no frame arrived for idle duration or ctx is done.
// Returns number of replayed frames.
func (j *Journal) Replay(ctx context.Context, idle time.Duration, fn ReplayFunc) (int, error) {
	n := 0
	for {
		ch := make(chan peeked, 1)
		go func() {
			box, err := j.q.Peek()
			ch <- peeked{box, err}
		}()
		timer := time.NewTimer(idle)
		select {
		case p := <-ch:
			timer.Stop()
			switch p.err {
			case nil:
			case spq.ErrClosed:
				return n, nil
			default:
				return n, errors.Annotate(p.err, "journal peek")
			}
			var f Frame
			if err := p.box.Unmarshal(&f); err != nil {
				j.log.Errorf("journal skip corrupted frame b=%x err=%v", p.box.Bytes(), err)
			} else {
				s, ok := status.DecodeAt(f.Payload, f.Time)
				fn(f, s, ok)
				n++
			}
			if err := j.q.Delete(p.box); err != nil {
				return n, errors.Annotate(err, "journal delete")
			}

		case <-timer.C:
			j.log.Debugf("journal idle for %v, replayed=%d", idle, n)
			_ = j.Close()
			<-ch
			return n, nil

		case <-ctx.Done():
			timer.Stop()
			_ = j.Close()
			<-ch
			return n, ctx.Err()
		}
	}
}
