package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		input   string
		want    Status
		wantErr bool
	}{
		{"online", StatusOnline, false},
		{" Away ", StatusAway, false},
		{"OFFLINE", StatusOffline, false},
		{"busy", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStatus(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStatus(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseStatus(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPresence_UnmarshalLastSeenFormats(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		data string
	}{
		{"rfc3339", `{"userId":"u1","status":"online","lastSeen":"2026-03-01T12:00:00Z"}`},
		{"epoch millis", `{"userId":"u1","status":"online","lastSeen":` + itoa(want.UnixMilli()) + `}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Presence
			if err := json.Unmarshal([]byte(tt.data), &p); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if !p.LastSeen.Equal(want) {
				t.Errorf("LastSeen = %v, want %v", p.LastSeen, want)
			}
			if p.Status != StatusOnline {
				t.Errorf("Status = %q, want %q", p.Status, StatusOnline)
			}
		})
	}
}

func TestPresence_UnmarshalRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"missing user":   `{"status":"online"}`,
		"bad status":     `{"userId":"u1","status":"invisible"}`,
		"bad timestamp":  `{"userId":"u1","status":"away","lastSeen":"yesterday"}`,
		"bool timestamp": `{"userId":"u1","status":"away","lastSeen":true}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			var p Presence
			if err := json.Unmarshal([]byte(data), &p); err == nil {
				t.Fatalf("expected error for %s", data)
			}
		})
	}
}

func TestPresence_UnmarshalNullLastSeen(t *testing.T) {
	var p Presence
	if err := json.Unmarshal([]byte(`{"userId":"u1","status":"away","lastSeen":null}`), &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !p.LastSeen.IsZero() {
		t.Errorf("LastSeen = %v, want zero", p.LastSeen)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestParseID(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{`"u1"`, "u1", false},
		{`" u1 "`, "u1", false},
		{`1`, "1", false},
		{`9007199254740993`, "9007199254740993", false},
		{`1e3`, "1e3", false},
		{`null`, "", false},
		{``, "", false},
		{`true`, "", true},
		{`{"id":1}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseID(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseID(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseID(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestPresence_UnmarshalNumericUserID(t *testing.T) {
	var p Presence
	if err := json.Unmarshal([]byte(`{"userId":42,"status":"online","lastSeen":1767261600000}`), &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if p.UserID != "42" || p.Status != StatusOnline {
		t.Errorf("Presence = %+v, want userId 42 online", p)
	}
}
