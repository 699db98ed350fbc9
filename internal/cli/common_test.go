package cli

import (
	"os"
	"runtime"
	"testing"
)

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	if info.Version != Version || info.GoVersion != runtime.Version() {
		t.Fatalf("version info %+v", info)
	}
	if info.PageSize != os.Getpagesize() || info.CPUs < 1 {
		t.Fatalf("host info %+v", info)
	}
}
