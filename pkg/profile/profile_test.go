package profile

import (
	"strings"
	"testing"
)

const profilesINI = `
[everyone]
variable = os
match = .*
packages = ['common', 'editor']

[lab]
variable = hostname
match = lab-\d+
packages = lab-tools, editor

[empty]
variable = USERDOMAIN
match = CAMPUS
packages = []
`

func TestParse(t *testing.T) {
	profiles, err := Parse([]byte(profilesINI))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("got %d profiles, want 3", len(profiles))
	}

	lab := profiles[1]
	if lab.ID != "lab" || lab.Variable != "hostname" || lab.Match != `lab-\d+` {
		t.Errorf("lab = %+v", lab)
	}
	if strings.Join(lab.Packages, ",") != "lab-tools,editor" {
		t.Errorf("lab packages = %v", lab.Packages)
	}
	if profiles[2].Packages == nil || len(profiles[2].Packages) != 0 {
		t.Errorf("empty packages = %#v", profiles[2].Packages)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad regex", "[p]\nvariable = os\nmatch = (\npackages = a\n"},
		{"missing variable", "[p]\nmatch = x\npackages = a\n"},
		{"blank package", "[p]\nvariable = os\nmatch = x\npackages = a, , b\n"},
		{"not ini", "[unterminated\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("Parse() should fail")
			}
		})
	}
}

func TestApplies(t *testing.T) {
	tests := []struct {
		match string
		value string
		want  bool
	}{
		{`lab-\d+`, "lab-12", true},
		{`lab-\d+`, "lab-12.campus", true}, // anchored at the start only
		{`lab-\d+`, "my-lab-12", false},
		{`WIN|LIN`, "LINUX", true},
		{``, "anything", true},
	}
	for _, tt := range tests {
		p, err := New("p", "hostname", tt.match, nil)
		if err != nil {
			t.Fatalf("New(%q) error = %v", tt.match, err)
		}
		if got := p.Applies(SystemInfo{"hostname": tt.value}); got != tt.want {
			t.Errorf("match %q on %q = %v, want %v", tt.match, tt.value, got, tt.want)
		}
	}

	p, _ := New("p", "missing", ".*", nil)
	if p.Applies(SystemInfo{"hostname": "x"}) {
		t.Error("profile applied with its variable absent")
	}
}

func TestFormatRoundTrip(t *testing.T) {
	profiles, err := Parse([]byte(profilesINI))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	data, err := Format(profiles)
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if !strings.Contains(string(data), "packages = ['lab-tools', 'editor']") {
		t.Errorf("Format() output:\n%s", data)
	}

	again, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Format()) error = %v", err)
	}
	for i := range profiles {
		if again[i].ID != profiles[i].ID || again[i].Match != profiles[i].Match ||
			strings.Join(again[i].Packages, ",") != strings.Join(profiles[i].Packages, ",") {
			t.Errorf("profile %d = %+v, want %+v", i, again[i], profiles[i])
		}
	}
}
