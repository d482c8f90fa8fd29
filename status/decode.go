package status

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openhand/openhand/helpers"
)

// Telemetry report keys, all under top level "print" object.
const (
	keyPrint            = "print"
	keyBedTemp          = "bed_temper"
	keyBedTarget        = "bed_target_temper"
	keyChamberTemp      = "chamber_temper"
	keyChamberTarget    = "chamber_target_temper"
	keyNozzleTemp       = "nozzle_temper"
	keyNozzleTarget     = "nozzle_target_temper"
	keyLayer            = "layer_num"
	keyTotalLayers      = "total_layer_num"
	keyPercent          = "mc_percent"
	keyRemainingMinutes = "mc_remaining_time"
	keyPrintName        = "subtask_name"
	keyUpgradeState     = "upgrade_state"
	keySerial           = "sn"
	keyAms              = "ams"
	keyTray             = "tray"
	keyExternalTray     = "vt_tray"
	keyTrayID           = "id"
	keyTrayColor        = "tray_color"
	keyTrayType         = "tray_type"
)

type object = map[string]interface{}

// Decode is DecodeAt with current wall clock.
func Decode(payload []byte) (Snapshot, bool) {
	return DecodeAt(payload, time.Now())
}

// DecodeAt turns raw telemetry payload into SUCCESS snapshot.
// Returns false (rejected) if payload is not JSON object with "print" object.
// Every field is extracted independently, anything unexpected makes
// only that field absent. Never panics.
func DecodeAt(payload []byte, now time.Time) (Snapshot, bool) {
	root, ok := parseObject(payload)
	if !ok {
		return Snapshot{}, false
	}
	p, ok := root[keyPrint].(object)
	if !ok {
		return Snapshot{}, false
	}

	observed := helpers.UnixMillis(now)
	s := Snapshot{
		Phase:            PhaseSuccess,
		ObservedAtMillis: &observed,

		BedTemperature:           optFloat(p, keyBedTemp),
		BedTargetTemperature:     optFloat(p, keyBedTarget),
		ChamberTemperature:       optFloat(p, keyChamberTemp),
		ChamberTargetTemperature: optFloat(p, keyChamberTarget),
		NozzleTemperature:        optFloat(p, keyNozzleTemp),
		NozzleTargetTemperature:  optFloat(p, keyNozzleTarget),

		CurrentLayer:     optCount(p, keyLayer),
		TotalLayers:      optCount(p, keyTotalLayers),
		Filament:         decodeFilament(p),
		PrintName:        optText(p, keyPrintName),
		ProgressPercent:  optCount(p, keyPercent),
		RemainingMinutes: optCount(p, keyRemainingMinutes),
	}
	if upgrade, ok := p[keyUpgradeState].(object); ok {
		s.Serial = optText(upgrade, keySerial)
	}
	return s, true
}

func parseObject(b []byte) (object, bool) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var root object
	if err := dec.Decode(&root); err != nil || root == nil {
		return nil, false
	}
	return root, true
}

// optFloat: temperatures. NaN or non-numeric is absent, no sentinel.
func optFloat(o object, key string) *float64 {
	f, ok := number(o[key])
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// optCount: non-negative integers where firmware sends -1 for unknown.
// Any negative raw value is absent, fractions truncate toward zero.
func optCount(o object, key string) *int {
	f, ok := number(o[key])
	if !ok || math.IsNaN(f) || f < 0 || f > math.MaxInt32 {
		return nil
	}
	i := int(f)
	return &i
}

// optText: blank is absent.
func optText(o object, key string) *string {
	s, ok := scalarString(o[key])
	if !ok || strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func number(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func scalarString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

func decodeFilament(p object) []FilamentSlot {
	trays := make([]object, 0, 8)
	if ext, ok := p[keyExternalTray].(object); ok {
		trays = append(trays, ext)
	}
	if ams, ok := p[keyAms].(object); ok {
		units, _ := ams[keyAms].([]interface{})
		for _, u := range units {
			unit, ok := u.(object)
			if !ok {
				continue
			}
			list, _ := unit[keyTray].([]interface{})
			for _, t := range list {
				if tray, ok := t.(object); ok {
					trays = append(trays, tray)
				}
			}
		}
	}

	slots := make([]FilamentSlot, 0, len(trays))
	for _, tray := range trays {
		id, ok := scalarString(tray[keyTrayID])
		if !ok || strings.TrimSpace(id) == "" {
			continue
		}
		slot := FilamentSlot{
			ID:           id,
			MaterialType: optText(tray, keyTrayType),
		}
		if s, ok := tray[keyTrayColor].(string); ok {
			if c, err := ParseColor(s); err == nil {
				slot.Color = &c
			}
		}
		slots = append(slots, slot)
	}
	SortFilament(slots)
	return slots
}

// SortFilament orders slots by numeric id ascending,
// non-numeric ids after all numeric ones, ties broken by raw id.
func SortFilament(slots []FilamentSlot) {
	sort.SliceStable(slots, func(i, j int) bool {
		return filamentLess(slots[i].ID, slots[j].ID)
	})
}

func filamentLess(a, b string) bool {
	na, erra := strconv.Atoi(a)
	nb, errb := strconv.Atoi(b)
	switch {
	case erra == nil && errb == nil:
		if na != nb {
			return na < nb
		}
		return a < b
	case erra == nil:
		return true
	case errb == nil:
		return false
	}
	return a < b
}
