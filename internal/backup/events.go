package backup

import (
	"authvault/internal/logging"
)

// CompletionListener is notified after every successful backup run. Listeners
// run synchronously in registration order; a panicking or slow listener
// delays the backup path, so implementations should hand work off quickly.
type CompletionListener interface {
	BackupCompleted(set *Set)
}

// CompletionListenerFunc adapts a function to the CompletionListener interface
type CompletionListenerFunc func(set *Set)

// BackupCompleted implements CompletionListener
func (f CompletionListenerFunc) BackupCompleted(set *Set) {
	f(set)
}

// completionDispatcher fans a completed set out to registered listeners. A
// listener panic is recovered and logged so one faulty listener cannot abort
// the backup run or starve listeners registered after it.
type completionDispatcher struct {
	listeners []CompletionListener
	logger    *logging.Logger
}

func newCompletionDispatcher(logger *logging.Logger) *completionDispatcher {
	return &completionDispatcher{logger: logger}
}

func (cd *completionDispatcher) register(listener CompletionListener) {
	cd.listeners = append(cd.listeners, listener)
}

func (cd *completionDispatcher) dispatch(set *Set) {
	for _, listener := range cd.listeners {
		cd.notify(listener, set)
	}
}

func (cd *completionDispatcher) notify(listener CompletionListener, set *Set) {
	defer func() {
		if r := recover(); r != nil {
			cd.logger.Errorf("backup completion listener panicked: %v", r)
		}
	}()
	listener.BackupCompleted(set)
}
