package bridge

import (
	"fmt"
	"runtime"
)

// ClientInfo formats the client identification string sent to the server,
// e.g. "GisquickPlugin/1.2.0 (linux amd64; QGIS 3.34)".
func ClientInfo(pluginVersion, hostVersion string) string {
	return fmt.Sprintf("GisquickPlugin/%s (%s %s; %s)", pluginVersion, runtime.GOOS, runtime.GOARCH, hostVersion)
}
