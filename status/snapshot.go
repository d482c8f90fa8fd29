// Package status decodes printer telemetry into immutable typed snapshots.
package status

import (
	"fmt"
	"strconv"
)

type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseError
	PhaseSuccess
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseError:
		return "ERROR"
	case PhaseSuccess:
		return "SUCCESS"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

type RGBA struct {
	R, G, B, A uint8
}

// Hex formats as the printer does: RRGGBBAA.
func (c RGBA) Hex() string { return fmt.Sprintf("%02X%02X%02X%02X", c.R, c.G, c.B, c.A) }

func (c RGBA) MarshalText() ([]byte, error) { return []byte(c.Hex()), nil }

// FilamentSlot is one physical or virtual filament tray.
// Nil Color and MaterialType mean the slot is unloaded.
type FilamentSlot struct {
	ID           string  `json:"id"`
	Color        *RGBA   `json:"color,omitempty"`
	MaterialType *string `json:"material_type,omitempty"`
}

func (f FilamentSlot) Loaded() bool { return f.Color != nil || f.MaterialType != nil }

// Snapshot is decoded state of one printer at one instant.
// Nil pointer means absent. Treat as immutable: never modify
// a published snapshot, build a new one instead.
type Snapshot struct {
	Phase            Phase   `json:"phase"`
	Error            *string `json:"error,omitempty"`
	ObservedAtMillis *int64  `json:"observed_at_ms,omitempty"`

	BedTemperature           *float64 `json:"bed_temperature,omitempty"`
	BedTargetTemperature     *float64 `json:"bed_target_temperature,omitempty"`
	ChamberTemperature       *float64 `json:"chamber_temperature,omitempty"`
	ChamberTargetTemperature *float64 `json:"chamber_target_temperature,omitempty"`
	NozzleTemperature        *float64 `json:"nozzle_temperature,omitempty"`
	NozzleTargetTemperature  *float64 `json:"nozzle_target_temperature,omitempty"`

	CurrentLayer     *int           `json:"current_layer,omitempty"`
	TotalLayers      *int           `json:"total_layers,omitempty"`
	Filament         []FilamentSlot `json:"filament"`
	PrintName        *string        `json:"print_name,omitempty"`
	ProgressPercent  *int           `json:"progress_percent,omitempty"`
	RemainingMinutes *int           `json:"remaining_minutes,omitempty"`
	Serial           *string        `json:"serial,omitempty"`
}

// Failed is snapshot of transport failure, all printer fields absent.
func Failed(cause error) Snapshot {
	s := "unknown error"
	if cause != nil && cause.Error() != "" {
		s = cause.Error()
	}
	return Snapshot{Phase: PhaseError, Error: &s}
}

// Clone returns deep enough copy to hand out: Filament slice is not shared.
func (s Snapshot) Clone() Snapshot {
	if s.Filament != nil {
		s.Filament = append([]FilamentSlot(nil), s.Filament...)
	}
	return s
}

// String is compact one line summary for logs and CLI.
func (s Snapshot) String() string {
	out := s.Phase.String()
	if s.Error != nil {
		return out + " error=" + *s.Error
	}
	if s.PrintName != nil {
		out += " print=" + strconv.Quote(*s.PrintName)
	}
	if s.ProgressPercent != nil {
		out += fmt.Sprintf(" progress=%d%%", *s.ProgressPercent)
	}
	if s.CurrentLayer != nil && s.TotalLayers != nil {
		out += fmt.Sprintf(" layer=%d/%d", *s.CurrentLayer, *s.TotalLayers)
	}
	if s.RemainingMinutes != nil {
		out += fmt.Sprintf(" remaining=%dm", *s.RemainingMinutes)
	}
	out += formatTemp(" nozzle", s.NozzleTemperature, s.NozzleTargetTemperature)
	out += formatTemp(" bed", s.BedTemperature, s.BedTargetTemperature)
	out += formatTemp(" chamber", s.ChamberTemperature, s.ChamberTargetTemperature)
	for _, f := range s.Filament {
		out += " tray" + f.ID + "="
		if !f.Loaded() {
			out += "empty"
			continue
		}
		if f.MaterialType != nil {
			out += *f.MaterialType
		}
		if f.Color != nil {
			out += "#" + f.Color.Hex()
		}
	}
	return out
}

func formatTemp(name string, current, target *float64) string {
	if current == nil {
		return ""
	}
	if target == nil {
		return fmt.Sprintf("%s=%.1f", name, *current)
	}
	return fmt.Sprintf("%s=%.1f/%.1f", name, *current, *target)
}
