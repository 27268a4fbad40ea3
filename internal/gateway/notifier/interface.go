package notifier

// TextNotifier defines a minimal text notification interface. It is
// intentionally small so components can depend on it without importing a
// concrete backend.
type TextNotifier interface {
	SendText(text string) error
}

// Nop discards every message. Used when no channel is configured.
type Nop struct{}

func (Nop) SendText(string) error { return nil }
