package build

// Overridden at link time with -ldflags "-X github.com/mt-inside/sni-request/internal/build.Version=..."
var (
	Name    = "sni-request"
	Version = "dev"
)

func UserAgent() string {
	return Name + "/" + Version
}
