package engine

import (
	"context"
	"fmt"

	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/template"
	"golang.org/x/sync/errgroup"
)

// runMap runs the iterator once per element of ItemsPath. Items that already
// finished before a restart are not run again; outputs keep input order.
func (r *run) runMap(ctx context.Context, cursor *models.Cursor, name string, state *models.State, item *mapItem, path string) error {
	scope := r.scope(cursor, name, item)

	value, found, err := template.Lookup(state.ItemsPath, scope)
	if err != nil {
		return &StateError{State: name, Err: err}
	}

	items, ok := value.([]any)
	if !found || !ok {
		return &StateError{State: name, Err: fmt.Errorf("%w: %s", ErrItemsNotList, state.ItemsPath)}
	}

	progress, err := r.enter(ctx, cursor, name, func(progress *models.StateProgress) {
		progress.Items = make([]*models.Cursor, len(items))
		for i, element := range items {
			progress.Items[i] = &models.Cursor{State: state.Iterator.StartAt, Data: template.Clone(element)}
		}
	})
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(1, state.MaxConcurrency))

	for i, child := range progress.Items {
		if child.Done {
			continue
		}

		element := &mapItem{index: i, value: items[i]}
		childPath := fmt.Sprintf("%s%s[%d]/", path, name, i)

		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			if err := r.runMachine(gctx, state.Iterator, child, element, childPath); err != nil {
				if IsCancelled(err) {
					return err
				}

				return &MapElementError{State: name, Index: element.index, Err: err}
			}

			index := element.index
			r.note(models.HistoryEvent{Type: models.HistoryMapItemCompleted, State: name, Path: path, Index: &index})

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	outputs := make([]any, len(progress.Items))
	for i, child := range progress.Items {
		outputs[i] = template.Clone(child.Output)
	}

	data, err := template.ApplyResultPath(template.Clone(cursor.Data), state.ResultPath, outputs)
	if err != nil {
		return &StateError{State: name, Err: err}
	}

	return r.advance(ctx, cursor, name, state, data, state.Next, path)
}

// runParallel runs every branch on a copy of the working data and collects
// the branch outputs in branch order.
func (r *run) runParallel(ctx context.Context, cursor *models.Cursor, name string, state *models.State, item *mapItem, path string) error {
	progress, err := r.enter(ctx, cursor, name, func(progress *models.StateProgress) {
		progress.Branches = make([]*models.Cursor, len(state.Branches))
		for i, branch := range state.Branches {
			progress.Branches[i] = &models.Cursor{State: branch.StartAt, Data: template.Clone(cursor.Data)}
		}
	})
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	for i, child := range progress.Branches {
		if child.Done {
			continue
		}

		branch := state.Branches[i]
		index := i
		childPath := fmt.Sprintf("%s%s{%d}/", path, name, i)

		group.Go(func() error {
			if err := r.runMachine(gctx, branch, child, item, childPath); err != nil {
				if IsCancelled(err) {
					return err
				}

				return fmt.Errorf("branch %d of %s: %w", index, name, err)
			}

			r.note(models.HistoryEvent{Type: models.HistoryBranchCompleted, State: name, Path: path, Index: &index})

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	outputs := make([]any, len(progress.Branches))
	for i, child := range progress.Branches {
		outputs[i] = template.Clone(child.Output)
	}

	data, err := template.ApplyResultPath(template.Clone(cursor.Data), state.ResultPath, outputs)
	if err != nil {
		return &StateError{State: name, Err: err}
	}

	return r.advance(ctx, cursor, name, state, data, state.Next, path)
}
