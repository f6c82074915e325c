// Package runtime provides environment/runtime detection helpers shared across the service layer.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the control plane should fail closed on
// identity/security boundaries (e.g. only trust source-service headers protected
// by verified mTLS). We also treat the presence of mesh-issued TLS credentials as
// "strict" too, so a mis-set RUNTIME_ENV cannot silently weaken trust boundaries.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		hasMeshTLS := strings.TrimSpace(os.Getenv("MESH_CERT")) != "" &&
			strings.TrimSpace(os.Getenv("MESH_KEY")) != "" &&
			strings.TrimSpace(os.Getenv("MESH_ROOT_CA")) != ""
		strictIdentityModeValue = env == Production || hasMeshTLS
	})
	return strictIdentityModeValue
}
