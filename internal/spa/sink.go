package spa

// Sink receives frame bytes. fill must copy exactly len(dst) bytes.
type Sink interface {
	PublishFrom(n int, fill func(dst []byte) error) error
}
