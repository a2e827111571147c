package meta

// ControlAPIVersion is bumped when a field or endpoint of the daemon control
// API is added. ControlAPIMinVersion is bumped as well when one is changed or
// removed.
const (
	ControlAPIVersion    = 1
	ControlAPIMinVersion = 1

	// WireProtocolRevision is the eCPRI revision byte spoken on the wire.
	WireProtocolRevision = 0x10
)

// Following variables are filled in by the linker
var (
	Version   string
	GitCommit string
	BuildDate string
)

type VersionOutput struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`

	ControlAPIVersion    int `json:"controlAPIVersion"`
	ControlAPIMinVersion int `json:"controlAPIMinVersion"`
	WireProtocolRevision int `json:"wireProtocolRevision"`
}

func GetVersion() VersionOutput {
	return VersionOutput{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,

		ControlAPIVersion:    ControlAPIVersion,
		ControlAPIMinVersion: ControlAPIMinVersion,
		WireProtocolRevision: WireProtocolRevision,
	}
}
