package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// Hardcoded build marker - bump to tell images apart on the console
const BuildMarker = "dimmer-007"

// ShortSHA returns the first 7 characters of GitSHA.
func ShortSHA() string {
	if len(GitSHA) >= 7 {
		return GitSHA[:7]
	}
	return GitSHA
}

// String describes the build for banners and status output.
func String() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	if sha := ShortSHA(); sha != "" {
		v += " (" + sha + ")"
	}
	if BuildDate != "" {
		v += " built " + BuildDate
	}
	return v + " " + BuildMarker
}
