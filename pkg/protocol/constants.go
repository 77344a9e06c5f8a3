package protocol

// Directory and file name constants used throughout pingme.
const (
	// HomeDir is the user-level state directory (e.g., ~/.pingme).
	HomeDir = ".pingme"
	// SocketFile is the daemon's Unix socket inside HomeDir.
	SocketFile = "pingme.sock"
	// PIDFile holds the running daemon's process id.
	PIDFile = "pingme.pid"
	// DataDir holds the persisted request and session documents.
	DataDir = "data"
	// RequestsFile stores requests and responses keyed by request id.
	RequestsFile = "requests.json"
	// SessionsFile stores the external-ref index and terminal bindings.
	SessionsFile = "sessions.json"
	// JournalFile is the SQLite lifecycle journal.
	JournalFile = "journal.db"
)

// Limits shared by the daemon, the router and the CLI.
const (
	// MaxOptions is the number of buttons that fit in one Discord action row.
	MaxOptions = 5
	// MaxOptionLabel is Discord's button label limit.
	MaxOptionLabel = 80
	// MaxMessageLen keeps a DM under Discord's 2000 character content limit,
	// leaving room for the header the notifier prepends.
	MaxMessageLen = 1800
	// MaxLineBytes bounds a single NDJSON record on the IPC socket.
	MaxLineBytes = 1 << 20
)
