// Package vm supplies concrete execute(form, address, state) -> (newState,
// result) adapters for the external VM interface — a collaborator this
// core never implements itself. Two adapters are provided: NativeVM, a
// small deterministic arithmetic/transfer evaluator used by tests and
// reproducible scenario fixtures, and WasmVM (wasm.go), a real
// wasmer-go-backed adapter for compiled bytecode transactions.
package vm

import (
	"context"

	"cellmesh/cell"
	"cellmesh/errs"
	"cellmesh/peer"
)

// NativeVM evaluates a tiny Lisp-shaped form: a literal (Long, Double,
// Str, Bool, Nil, Blob) evaluates to itself; a Vector form is `(op arg...)` where op is a
// Symbol naming one of the built-in operators below. It never panics on
// malformed input — evaluation errors become an EXCEPTION Result, since
// the server never panics on an inbound message alone.
type NativeVM struct{}

// NewNativeVM returns a ready-to-use NativeVM. It carries no state of its
// own: every call is a pure function of (form, address, state).
func NewNativeVM() *NativeVM { return &NativeVM{} }

var _ peer.Executor = (*NativeVM)(nil)

// Execute implements peer.Executor.
func (NativeVM) Execute(ctx context.Context, form cell.Cell, address []byte, state *peer.State) (*peer.State, peer.Result, error) {
	newState, value, err := evalForm(ctx, form, address, state)
	if err != nil {
		return state, peer.Result{Code: peer.CodeException, Message: err.Error()}, nil
	}
	return newState, peer.Result{Value: value, Code: peer.CodeOK}, nil
}

func evalForm(ctx context.Context, form cell.Cell, address []byte, state *peer.State) (*peer.State, cell.Cell, error) {
	switch f := form.(type) {
	case cell.Long, cell.Double, cell.Str, cell.Bool, cell.Nil, cell.Blob:
		return state, f, nil
	case cell.Vector:
		return evalVector(ctx, f, address, state)
	default:
		return state, nil, errs.InvalidDataf("native vm: unsupported form type %T", form)
	}
}

func evalVector(ctx context.Context, v cell.Vector, address []byte, state *peer.State) (*peer.State, cell.Cell, error) {
	if v.Length() == 0 {
		return state, nil, errs.InvalidDataf("native vm: empty form")
	}
	headVal, err := cell.Get(ctx, v, 0)
	if err != nil {
		return state, nil, err
	}
	head, ok := headVal.(cell.Symbol)
	if !ok {
		return state, nil, errs.InvalidDataf("native vm: form head is not a symbol")
	}
	args := make([]cell.Cell, 0, v.Length()-1)
	cur := state
	for i := uint64(1); i < v.Length(); i++ {
		argVal, err := cell.Get(ctx, v, i)
		if err != nil {
			return state, nil, err
		}
		var result cell.Cell
		cur, result, err = evalForm(ctx, argVal, address, cur)
		if err != nil {
			return state, nil, err
		}
		args = append(args, result)
	}
	switch head {
	case "+", "-", "*", "/":
		result, err := evalArith(string(head), args)
		return cur, result, err
	case "transfer":
		return evalTransfer(ctx, cur, address, args)
	case "balance":
		result, err := evalBalance(ctx, cur, args)
		return cur, result, err
	default:
		return cur, nil, errs.InvalidDataf("native vm: unknown operator %q", head)
	}
}

func numeric(c cell.Cell) (int64, bool) {
	switch n := c.(type) {
	case cell.Long:
		return int64(n), true
	case cell.Double:
		return int64(n), true
	default:
		return 0, false
	}
}

func evalArith(op string, args []cell.Cell) (cell.Cell, error) {
	if len(args) == 0 {
		return nil, errs.InvalidDataf("native vm: %s needs at least one argument", op)
	}
	acc, ok := numeric(args[0])
	if !ok {
		return nil, errs.InvalidDataf("native vm: %s: non-numeric argument", op)
	}
	for _, a := range args[1:] {
		n, ok := numeric(a)
		if !ok {
			return nil, errs.InvalidDataf("native vm: %s: non-numeric argument", op)
		}
		switch op {
		case "+":
			acc += n
		case "-":
			acc -= n
		case "*":
			acc *= n
		case "/":
			if n == 0 {
				return nil, errs.InvalidDataf("native vm: division by zero")
			}
			acc /= n
		}
	}
	return cell.Long(acc), nil
}
