package ws

// Client to server.
const (
	Join             = "join"
	FileCreate       = "file-create"
	FileDelete       = "file-delete"
	FileChange       = "file-change"
	FileRename       = "file-rename"
	ActiveFileChange = "active-file-change"
	CodeRun          = "code-run"
	CursorMove       = "cursor-move"
	SendMessage      = "send-message"
)

// Server to client. file-change, cursor-move and code-run are relayed under
// the same name they arrive with.
const (
	Joined         = "joined"
	Disconnected   = "disconnected"
	FilesSync      = "files-sync"
	ReceiveMessage = "receive-message"

	ErrorEvent  = "error"
	RateLimited = "rate-limited"
)
