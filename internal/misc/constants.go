package misc

const (
	// ArgonTime Key derivation parameters for master key and KEK derivation
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	// DeriveIterations is the fixed iteration count for password-based key
	// derivation performed by the key manager.
	DeriveIterations = 100000

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
