package expvarom

import "testing"

func TestPromName(t *testing.T) {
	cases := map[string]string{
		"chasquid/smtpIn/commandCount": "chasquid_smtpin_commandcount",
		"already_snake":                "already_snake",
		"With-Dashes.And.Dots":         "with_dashes_and_dots",
		"":                             "",
	}
	for in, want := range cases {
		if got := promName(in); got != want {
			t.Errorf("promName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIntAdd(t *testing.T) {
	i := NewInt("expvarom_test_int", "test counter")
	i.Add(3)
	i.Add(4)
	if got := i.ev.Value(); got != 7 {
		t.Errorf("expvar value = %d, want 7", got)
	}
}

func TestMapAdd(t *testing.T) {
	m := NewMap("expvarom_test_map", "label", "test counter")
	m.Add("a", 1)
	m.Add("a", 2)
	m.Add("b", 5)
	if got := m.ev.Get("a").String(); got != "3" {
		t.Errorf("expvar map[a] = %s, want 3", got)
	}
	if got := m.ev.Get("b").String(); got != "5" {
		t.Errorf("expvar map[b] = %s, want 5", got)
	}
}
