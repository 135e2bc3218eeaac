package version

import (
	"runtime"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()

	if info.Version == "" || info.Commit == "" || info.Date == "" {
		t.Errorf("unstamped defaults missing: %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
	if want := runtime.GOOS + "/" + runtime.GOARCH; info.Platform != want {
		t.Errorf("Platform = %q, want %q", info.Platform, want)
	}
	if Dirty != "false" && Dirty != "true" {
		t.Errorf("Dirty = %q, want a stringly bool", Dirty)
	}
	if (Dirty == "true") != info.Dirty {
		t.Errorf("Dirty conversion mismatch: var %q, info %v", Dirty, info.Dirty)
	}
}

func TestInfoString(t *testing.T) {
	cases := []struct {
		name string
		info Info
		want string
	}{
		{
			name: "clean build",
			info: Info{Version: "2.1.0", Commit: "deadbeef", Date: "2024-06-01"},
			want: "2.1.0 (deadbeef) built 2024-06-01",
		},
		{
			name: "dirty build",
			info: Info{Version: "2.1.0", Commit: "deadbeef", Date: "2024-06-01", Dirty: true},
			want: "2.1.0 (deadbeef-dirty) built 2024-06-01",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.info.String(); got != tc.want {
				t.Errorf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestInfoShort(t *testing.T) {
	cases := []struct {
		name string
		info Info
		want string
	}{
		{"clean", Info{Version: "1.2.3"}, "1.2.3"},
		{"dirty", Info{Version: "1.2.3", Dirty: true}, "1.2.3-dirty"},
		{"dev dirty", Info{Version: "0.0.0-dev", Dirty: true}, "0.0.0-dev-dirty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.info.Short(); got != tc.want {
				t.Errorf("Short() = %q, want %q", got, tc.want)
			}
		})
	}
}
