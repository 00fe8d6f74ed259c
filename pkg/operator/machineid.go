package operator

import (
	"github.com/denisbrodbeck/machineid"
)

// appID scopes the hashed machine id so it cannot be correlated with other apps.
const appID = "propfirm-core"

// MachineID returns a stable, app-scoped identifier for this host.
func MachineID() (string, error) {
	return machineid.ProtectedID(appID)
}
