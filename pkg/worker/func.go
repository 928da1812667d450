package worker

import "context"

// FuncJob adapts a plain function into a Job.
type FuncJob struct {
	JobID uint64
	Ctx   context.Context
	Fn    func(ctx context.Context) error
	After func(err error)
}

var _ Job = (*FuncJob)(nil)

func (f *FuncJob) ID() uint64 {
	return f.JobID
}

func (f *FuncJob) Context() context.Context {
	if f.Ctx == nil {
		return context.Background()
	}

	return f.Ctx
}

func (f *FuncJob) PreExecute() error {
	return nil
}

func (f *FuncJob) Execute() error {
	if f.Fn == nil {
		return nil
	}

	return f.Fn(f.Context())
}

func (f *FuncJob) PostExecute(err error) {
	if f.After != nil {
		f.After(err)
	}
}
