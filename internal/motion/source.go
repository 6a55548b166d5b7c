package motion

import "context"

// RowSource is a Node over a fixed list of rows.
type RowSource struct {
	rows      []Row
	pos       int
	squelched bool
}

func NewRowSource(rows ...Row) *RowSource {
	return &RowSource{rows: rows}
}

func (r *RowSource) Next(ctx context.Context) (Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.squelched || r.pos >= len(r.rows) {
		return nil, nil
	}
	row := r.rows[r.pos]
	r.pos++
	return row, nil
}

func (r *RowSource) Squelch() { r.squelched = true }

// Squelched reports whether the consumer asked for no more rows.
func (r *RowSource) Squelched() bool { return r.squelched }

// Collect pulls tuples from a receiver until end of stream.
func Collect(ctx context.Context, s *State) ([]Tuple, error) {
	var out []Tuple
	for {
		t, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if t == nil {
			return out, nil
		}
		out = append(out, t)
	}
}
