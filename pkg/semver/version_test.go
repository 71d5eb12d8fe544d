package semver

import "testing"

func TestIsMajorOnly(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"3", true},
		{"12", true},
		{"3.2", false},
		{"^3", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsMajorOnly(tt.input); got != tt.want {
			t.Errorf("semver:version_test - IsMajorOnly(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestExtractMajorFromRange(t *testing.T) {
	if got := ExtractMajorFromRange("4"); got != 4 {
		t.Errorf("semver:version_test - ExtractMajorFromRange(4) = %d", got)
	}
	if got := ExtractMajorFromRange("^4.0.0"); got != -1 {
		t.Errorf("semver:version_test - ExtractMajorFromRange(^4.0.0) = %d, want -1", got)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input     string
		wantMajor uint64
		wantErr   bool
	}{
		{"1.4.2", 1, false},
		{"v2.0.0-rc.1", 2, false},
		{" 3.1.0 ", 3, false},
		{"latest", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		v, err := ParseVersion(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("semver:version_test - ParseVersion(%q) expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("semver:version_test - ParseVersion(%q) = %v", tt.input, err)
			continue
		}
		if v.Major() != tt.wantMajor {
			t.Errorf("semver:version_test - ParseVersion(%q).Major() = %d, want %d", tt.input, v.Major(), tt.wantMajor)
		}
	}
}
