package flow

// Nested wraps a sub-chain as a single step of an enclosing chain. The sub-chain
// shares the enclosing chain's Data. When the sub-chain fails, its completed
// steps are rolled back before the enclosing chain starts its own rollback walk.
// When a later step of the enclosing chain fails, this step's rollback unwinds
// every completed step of the sub-chain; unwinding twice is a no-op.
func Nested(name string, setup func(sub *Chain)) Step {
	var sub *Chain
	return Step{
		Name: name,
		Run: func(t *Trigger, data Data) {
			sub = New(name).WithData(data)
			setup(sub)
			sub.Done(func(Data) { t.Next() }).
				Error(func(err error, _ Data) { t.Fail(err) }).
				Start()
		},
		Rollback: func(rt *RollbackTrigger, _ Data) {
			if sub == nil {
				rt.Rollback()
				return
			}
			sub.Unwind(rt.Rollback)
		},
	}
}
