package client

import "context"

type Semaphore struct {
	channel chan struct{}
}

func NewSemaphore(n int) Semaphore {
	return Semaphore{
		channel: make(chan struct{}, n),
	}
}

func (s Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.channel <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s Semaphore) Release() {
	<-s.channel
}
