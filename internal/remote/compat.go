package remote

import (
	"fmt"
	"slices"
	"strings"
)

// ProtocolVersion is the version of the server protocol spoken by this
// client. Client and server must agree on the major component.
const ProtocolVersion = "1.0"

// CheckCompatibility verifies the handshake against what the run needs:
// an enabled server, the configured check method and every server-required
// plugin.
func CheckCompatibility(info *Info, method string, requiredPlugins []string) error {
	if !info.Enabled {
		return &IncompatibleServerError{Reason: "server is disabled"}
	}

	if major(info.Version) != major(ProtocolVersion) {
		return &IncompatibleServerError{
			Reason: fmt.Sprintf("server protocol %q is not compatible with client protocol %s", info.Version, ProtocolVersion),
		}
	}

	if !slices.Contains(info.CheckMethods, method) {
		return &IncompatibleServerError{
			Reason: fmt.Sprintf("check method %q is not supported (server offers %s)", method, strings.Join(info.CheckMethods, ", ")),
		}
	}

	var missing []string
	for _, p := range requiredPlugins {
		if !slices.Contains(info.Plugins, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &IncompatibleServerError{
			Reason: fmt.Sprintf("server lacks required plugins: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

func major(version string) string {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	m, _, _ := strings.Cut(v, ".")
	return m
}
