package core

// Logger logs messages. `args` may hold errors, maps of extra data and an Actor-like value identifying the caller.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Person identifies whoever triggered a logged event.
type Person struct {
	ID   string
	Name string
}
