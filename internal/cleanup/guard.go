package cleanup

import "sync"

// Guard wraps the request side of a coordinator so that cleanup fires on
// every exit path of a scenario. Construct it at scenario start and defer
// Fire; early returns and panics are then covered, and the normal path's
// explicit Request simply wins the coordinator's once.
type Guard struct {
	once    sync.Once
	request func(shouldCaptureOutput bool)
}

func NewGuard(request func(shouldCaptureOutput bool)) *Guard {
	return &Guard{request: request}
}

// Fire requests cleanup with output capture, once. Meant for defer.
func (g *Guard) Fire() {
	g.once.Do(func() {
		g.request(true)
	})
}
