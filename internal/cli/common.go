// Package cli holds helpers shared by the command-line tools.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
)

// Version information for all CLI tools
const (
	Version   = "0.1.0"
	CommitSHA = "unknown" // set with -ldflags at release time
)

// VersionInfo contains version and build information
type VersionInfo struct {
	Version   string `json:"version"`
	CommitSHA string `json:"commit_sha"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	PageSize  int    `json:"page_size"`
	CPUs      int    `json:"cpus"`
}

func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		CommitSHA: CommitSHA,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
		PageSize:  os.Getpagesize(),
		CPUs:      runtime.NumCPU(),
	}
}

// PrintVersion prints version information as text or JSON.
func PrintVersion(toolName string, jsonOutput bool) {
	info := GetVersionInfo()

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]interface{}{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err == nil {
			fmt.Println(string(data))
			return
		}
		fmt.Fprintf(os.Stderr, "Error: Failed to marshal version info to JSON: %v\n", err)
	}

	fmt.Printf("%s v%s\n", toolName, info.Version)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Printf("Commit: %s\n", info.CommitSHA)
	}
	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s/%s, %d CPUs, %d byte pages\n", info.Platform, info.Arch, info.CPUs, info.PageSize)
}

// ExitWithError prints an error message and exits with code 1
func ExitWithError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
