package job

import "context"

// Func adapts a plain function into a Job.
type Func struct {
	Status
	Name        string
	Description string
	Fn          func(ctx context.Context, progress ProgressFunc) Result
}

// NewFunc returns a job named name running fn.
func NewFunc(name string, fn func(ctx context.Context, progress ProgressFunc) Result) *Func {
	return &Func{Name: name, Description: name, Fn: fn}
}

func (f *Func) PrettyName() string { return f.Name }

func (f *Func) PrettyDescription() string { return f.Description }

func (f *Func) Exec(ctx context.Context, progress ProgressFunc) Result {
	if f.Fn == nil {
		return OK()
	}
	f.SetStatus(f.Name)
	return f.Fn(ctx, progress)
}
