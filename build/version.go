package build

// commit is set by the linker, at build time
var commit string

// Version returns the version spd was built at
func Version() string {
	if commit == "" {
		return "dev"
	}
	return commit
}
