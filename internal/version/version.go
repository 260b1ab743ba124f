package version

// Version is the semantic version for this build; overridden at build time.
var Version = "dev"

// Build is the VCS revision; may be empty for local builds.
var Build = ""

// BuildDate is the UTC RFC3339 timestamp the binary was built; injected at build time.
var BuildDate = ""

func Full() string {
	if Build == "" {
		return Version
	}
	return Version + "+" + Build
}
