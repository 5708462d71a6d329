package sensor

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValue_Equal(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same bool", Bool(true), Bool(true), true},
		{"different bool", Bool(true), Bool(false), false},
		{"same number", Number(5), Number(5), true},
		{"different number", Number(5), Number(7), false},
		{"same string", String("on"), String("on"), true},
		{"number vs string", Number(5), String("5"), false},
		{"bool vs string", Bool(true), String("true"), false},
		{"bool vs number", Bool(true), Number(1), false},
		{"zero values", Value{}, Value{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("%v.Equal(%v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestValue_JSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Value
	}{
		{"bool", `true`, Bool(true)},
		{"number", `21.5`, Number(21.5)},
		{"string", `"open"`, String("open")},
		{"null", `null`, Value{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
				t.Fatalf("Unmarshal(%s): %v", tt.in, err)
			}
			if v.Kind() != tt.want.Kind() || v.String() != tt.want.String() {
				t.Errorf("Unmarshal(%s) = %#v, want %#v", tt.in, v, tt.want)
			}

			out, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(out) != tt.in {
				t.Errorf("Marshal = %s, want %s", out, tt.in)
			}
		})
	}
}

func TestValue_UnmarshalRejectsComposite(t *testing.T) {
	for _, in := range []string{`{"a":1}`, `[1,2]`} {
		var v Value
		if err := json.Unmarshal([]byte(in), &v); err == nil {
			t.Errorf("Unmarshal(%s) should fail", in)
		}
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		raw       string
		valueType string
		want      Value
	}{
		{"on", "", Bool(true)},
		{"off", TypeAuto, Bool(false)},
		{"not_home", "", Bool(false)},
		{"21.5", "", Number(21.5)},
		{"-3", "", Number(-3)},
		{"heat", "", String("heat")},
		{"on", TypeString, String("on")},
		{"42", TypeString, String("42")},
		{"42", TypeNumber, Number(42)},
		{"abc", TypeNumber, String("abc")},
		{"Detected", TypeBool, Bool(true)},
		{"maybe", TypeBool, String("maybe")},
	}

	for _, tt := range tests {
		t.Run(tt.raw+"/"+tt.valueType, func(t *testing.T) {
			got := ParseState(tt.raw, tt.valueType)
			if !got.Equal(tt.want) {
				t.Errorf("ParseState(%q, %q) = %s(%v), want %s(%v)",
					tt.raw, tt.valueType, got.Kind(), got, tt.want.Kind(), tt.want)
			}
		})
	}
}

func TestRecord_JSONShape(t *testing.T) {
	rec := Record{
		Timestamp: 1000,
		SourceID:  "binary_sensor.hall_motion",
		Name:      "Hall motion",
		Location:  "Hall",
		Type:      "motion",
		Value:     Bool(true),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"timestamp":1000,"id":"binary_sensor.hall_motion","name":"Hall motion","location":"Hall","type":"motion","value":true}`
	if string(data) != want {
		t.Errorf("Marshal = %s\nwant      %s", data, want)
	}
}

func TestFormatSlot(t *testing.T) {
	ts := time.Date(2025, 6, 15, 14, 3, 9, 0, time.UTC)
	rec := Record{
		Timestamp: ts.UnixMilli(),
		Name:      "Front door",
		Location:  "Entrance",
		Value:     Bool(false),
	}

	got := FormatSlot(rec, time.UTC)
	want := "14:03:09 - Front door (Entrance) -> false"
	if got != want {
		t.Errorf("FormatSlot() = %q, want %q", got, want)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry([]DeviceConfig{
		{ID: "sensor.b", Name: "B"},
		{ID: "", Name: "ignored"},
		{ID: "sensor.a", Name: "A"},
	})

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	if d, ok := r.Lookup("sensor.a"); !ok || d.Name != "A" {
		t.Errorf("Lookup(sensor.a) = %+v, %v", d, ok)
	}
	if _, ok := r.Lookup("sensor.missing"); ok {
		t.Error("Lookup of unknown id should fail")
	}
	if ids := r.IDs(); len(ids) != 2 || ids[0] != "sensor.a" {
		t.Errorf("IDs() = %v, want sorted [sensor.a sensor.b]", ids)
	}

	var nilReg *Registry
	if _, ok := nilReg.Lookup("x"); ok {
		t.Error("nil registry Lookup should fail")
	}
}

func TestParseState_NonFiniteStaysString(t *testing.T) {
	for _, raw := range []string{"NaN", "inf", "-Infinity"} {
		if got := ParseState(raw, ""); got.Kind() != KindString {
			t.Errorf("ParseState(%q) kind = %s, want string", raw, got.Kind())
		}
	}
}
