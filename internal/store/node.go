package store

import "sync"

// Role of the message author behind a node.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ImageRef is one encoded image attachment, ready for a vision prompt.
type ImageRef struct {
	MIME    string
	DataURL string
}

// ParentRef locates a node's parent message on the platform. It is a
// non-owning relation: holders resolve it through the cache or the platform
// API, never through a retained message object.
type ParentRef struct {
	ChannelID string
	MessageID string
}

// MsgNode is the cached, lazily populated record of one message's extracted
// conversational content. Population happens at most once under the node's
// lock; after the first successful population the content fields are never
// overwritten.
type MsgNode struct {
	mu sync.Mutex

	// Text is nil until the node is populated.
	Text   *string
	Images []ImageRef

	Role     string
	AuthorID string // set only when Role == RoleUser

	HasBadAttachments bool
	FetchParentFailed bool

	Parent *ParentRef
}

func (n *MsgNode) Lock()   { n.mu.Lock() }
func (n *MsgNode) Unlock() { n.mu.Unlock() }

// TryLock is used by cache eviction to skip nodes mid-population.
func (n *MsgNode) TryLock() bool { return n.mu.TryLock() }

// Populated reports whether content extraction has run. Callers must hold
// the node lock.
func (n *MsgNode) Populated() bool { return n.Text != nil }

// SetText assigns the extracted text. Callers must hold the node lock.
func (n *MsgNode) SetText(text string) { n.Text = &text }

// TextValue returns the extracted text or "" when unpopulated.
func (n *MsgNode) TextValue() string {
	if n.Text == nil {
		return ""
	}
	return *n.Text
}
