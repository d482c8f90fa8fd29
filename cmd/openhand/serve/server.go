// Read-only HTTP JSON API over printer clients.
package serve

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/openhand/openhand/ftps"
	"github.com/openhand/openhand/internal/state"
	"github.com/openhand/openhand/status"
)

type PrinterView struct {
	Name    string       `json:"name"`
	Address string       `json:"address"`
	State   string       `json:"state"`
	Phase   status.Phase `json:"phase"`
	Version uint64       `json:"version"`
}

type StatusView struct {
	PrinterView
	Snapshot status.Snapshot `json:"snapshot"`
}

type FilesView struct {
	Dir     string                `json:"dir"`
	Entries []ftps.DirectoryEntry `json:"entries"`
}

type errorView struct {
	Error string `json:"error"`
}

// Server handlers take printer clients from Global, started by caller.
type Server struct {
	g *state.Global
	// FilesTimeout bounds one files request
	FilesTimeout time.Duration
}

func NewServer(g *state.Global) *Server {
	return &Server{g: g, FilesTimeout: 3 * g.Config.NetworkTimeout()}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/printers", s.listPrinters).Methods("GET")
	r.HandleFunc("/printers/{name}/status", s.printerStatus).Methods("GET")
	r.HandleFunc("/printers/{name}/files", s.printerFiles).Methods("GET")
	return r
}

func (s *Server) listPrinters(w http.ResponseWriter, r *http.Request) {
	stations, err := s.g.Stations()
	if err != nil {
		s.writeError(w, err)
		return
	}
	list := make([]PrinterView, 0, len(stations))
	for _, st := range stations {
		list = append(list, view(st))
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) printerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.g.Station(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusView{
		PrinterView: view(st),
		Snapshot:    st.Telemetry.Current(),
	})
}

// printerFiles lists ?dir= (default working directory).
// Files client is started on demand and kept connected.
func (s *Server) printerFiles(w http.ResponseWriter, r *http.Request) {
	st, err := s.g.Station(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.FilesTimeout)
	defer cancel()
	fc := st.Files
	if !fc.IsStarted() {
		if err = fc.Start(ctx); err != nil {
			s.writeError(w, err)
			return
		}
	}
	dir, entries, err := fc.ListDirectory(ctx, r.URL.Query().Get("dir"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, FilesView{Dir: dir, Entries: entries})
}

func view(st *state.Station) PrinterView {
	snap := st.Telemetry.Current()
	return PrinterView{
		Name:    st.Printer.Name,
		Address: st.Printer.Address,
		State:   st.Telemetry.State().String(),
		Phase:   snap.Phase,
		Version: st.Telemetry.Version(),
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.IsNotFound(err):
		code = http.StatusNotFound
	case errors.IsNotValid(err):
		code = http.StatusBadRequest
	case errors.IsTimeout(err), errors.Cause(err) == context.DeadlineExceeded:
		code = http.StatusGatewayTimeout
	case ftps.IsReply(err, 550):
		code = http.StatusNotFound
	}
	s.g.Log.Errorf("serve code=%d err=%v", code, err)
	s.writeJSON(w, code, errorView{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.g.Log.Errorf("serve write err=%v", err)
	}
}
