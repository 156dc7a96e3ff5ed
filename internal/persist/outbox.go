package persist

// Outbox is the audio-side FIFO in front of a Submitter. It is owned by one
// goroutine and never blocks; when full, new jobs are dropped and counted.
type Outbox struct {
	jobs    []*Job
	head    int
	n       int
	dropped uint64
	dst     Submitter
}

func NewOutbox(capacity int, dst Submitter) *Outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbox{jobs: make([]*Job, capacity), dst: dst}
}

// Submit queues j. It reports false when the queue is full.
func (o *Outbox) Submit(j *Job) bool {
	if j == nil {
		return true
	}
	if o.n == len(o.jobs) {
		o.dropped++
		return false
	}
	o.jobs[(o.head+o.n)%len(o.jobs)] = j
	o.n++
	return true
}

// Pump offers queued jobs to the submitter in order until one is refused.
func (o *Outbox) Pump() {
	for o.n > 0 {
		j := o.jobs[o.head]
		if !o.dst.TrySubmit(j) {
			return
		}
		o.jobs[o.head] = nil
		o.head = (o.head + 1) % len(o.jobs)
		o.n--
	}
}

func (o *Outbox) Len() int { return o.n }

// Dropped is the number of jobs refused because the queue was full.
func (o *Outbox) Dropped() uint64 { return o.dropped }
