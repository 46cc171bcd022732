package queue

// keys holds the Redis key names for one queue. The {name} hash tag keeps a
// queue's keys on one cluster slot so scripts may touch all of them.
type keys struct {
	prefix    string
	id        string
	jobPrefix string
	wait      string
	active    string
	delayed   string
	completed string
	failed    string
	limiter   string
	paused    string
	marker    string
	events    string
}

const keyNamespace = "bq"

func newKeys(name string) keys {
	p := keyNamespace + ":{" + name + "}:"
	return keys{
		prefix:    p,
		id:        p + "id",
		jobPrefix: p + "job:",
		wait:      p + "wait",
		active:    p + "active",
		delayed:   p + "delayed",
		completed: p + "completed",
		failed:    p + "failed",
		limiter:   p + "limiter",
		paused:    p + "paused",
		marker:    p + "marker",
		events:    p + "events",
	}
}

func (k keys) job(id string) string { return k.jobPrefix + id }

// EventsChannel returns the pub/sub channel carrying lifecycle events for
// the named queue.
func EventsChannel(name string) string { return newKeys(name).events }
