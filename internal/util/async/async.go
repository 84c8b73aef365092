package async

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Task represents an asynchronous operation with a name and function.
type Task struct {
	Name string
	Func func(context.Context) error
}

// RunParallel executes tasks concurrently and waits for all of them.
// Failures are joined in task-name order, each prefixed with its task name.
//
// Example:
//
//	tasks := []Task{
//	    {Name: "customapps", Func: checkServed(kinds.CustomApp)},
//	    {Name: "pods", Func: checkServed(kinds.Pod)},
//	}
//	if err := RunParallel(ctx, tasks); err != nil {
//	    return err
//	}
func RunParallel(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	type result struct {
		name string
		err  error
	}

	resultChan := make(chan result, len(tasks))

	for _, task := range tasks {
		go func() {
			resultChan <- result{name: task.Name, err: task.Func(ctx)}
		}()
	}

	var failed []result
	for range len(tasks) {
		if res := <-resultChan; res.err != nil {
			failed = append(failed, res)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].name < failed[j].name })

	errs := make([]error, 0, len(failed))
	for _, res := range failed {
		errs = append(errs, fmt.Errorf("%s: %w", res.name, res.err))
	}
	return errors.Join(errs...)
}
