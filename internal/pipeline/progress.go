package pipeline

// Progress is emitted after a stage finishes with one file. Sinks must
// not block: the pipeline offers no back-pressure and no delivery
// guarantee.
type Progress struct {
	Stage     Stage   `json:"stage"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
	Status    string  `json:"status"`
}

// Notifier receives progress updates for one batch.
type Notifier interface {
	OnProgress(Progress)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Progress)

func (f NotifierFunc) OnProgress(p Progress) { f(p) }

// ChanNotifier forwards progress into a channel, dropping updates when
// the reader falls behind.
type ChanNotifier struct {
	C chan Progress
}

// NewChanNotifier creates a notifier with the given buffer size.
func NewChanNotifier(buffer int) *ChanNotifier {
	if buffer < 1 {
		buffer = 1
	}
	return &ChanNotifier{C: make(chan Progress, buffer)}
}

func (n *ChanNotifier) OnProgress(p Progress) {
	select {
	case n.C <- p:
	default:
	}
}
