package vm

import (
	"context"

	"github.com/wasmerio/wasmer-go/wasmer"

	"cellmesh/cell"
	"cellmesh/errs"
	"cellmesh/peer"
)

// WasmVM executes transaction forms compiled to WebAssembly bytecode via
// the standard wasmer engine / module / instance pipeline. A form for
// WasmVM is a cell.Blob holding the wasm module bytes; the module must
// export a function named "execute" taking (address_ptr, address_len)
// and returning an integer result, with the address copied into the
// VM's linear memory at offset 0 — a minimal ABI, not a
// full contract calling convention.
type WasmVM struct {
	engine *wasmer.Engine
}

// NewWasmVM builds a WasmVM with a fresh wasmer engine, created once and
// reused across calls rather than rebuilt per execution.
func NewWasmVM() *WasmVM {
	return &WasmVM{engine: wasmer.NewEngine()}
}

var _ peer.Executor = (*WasmVM)(nil)

// Execute implements peer.Executor over compiled wasm bytecode. State is
// left unchanged: wasm transactions in this core are treated as
// side-effect-free queries against the address's view, with any state
// mutation expressed instead through NativeVM's `transfer` form. A
// contract-call VM with full state access is out of this core's scope;
// this adapter is the minimal concrete instance of the VM-as-external-
// collaborator interface.
func (w *WasmVM) Execute(ctx context.Context, form cell.Cell, address []byte, state *peer.State) (*peer.State, peer.Result, error) {
	blob, ok := form.(cell.Blob)
	if !ok {
		return state, peer.Result{Code: peer.CodeException, Message: "wasm vm: form is not bytecode"}, nil
	}
	result, err := w.run([]byte(blob), address)
	if err != nil {
		return state, peer.Result{Code: peer.CodeException, Message: err.Error()}, nil
	}
	return state, peer.Result{Value: cell.Long(result), Code: peer.CodeOK}, nil
}

func (w *WasmVM) run(code []byte, address []byte) (int64, error) {
	store := wasmer.NewStore(w.engine)
	module, err := wasmer.NewModule(store, code)
	if err != nil {
		return 0, errs.InvalidDataf("wasm vm: compile: %v", err)
	}
	importObject := wasmer.NewImportObject()
	instance, err := wasmer.NewInstance(module, importObject)
	if err != nil {
		return 0, errs.InvalidDataf("wasm vm: instantiate: %v", err)
	}
	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return 0, errs.InvalidDataf("wasm vm: module exports no memory: %v", err)
	}
	execute, err := instance.Exports.GetFunction("execute")
	if err != nil {
		return 0, errs.InvalidDataf("wasm vm: module exports no execute function: %v", err)
	}
	data := memory.Data()
	if len(address) > len(data) {
		return 0, errs.InvalidDataf("wasm vm: address larger than linear memory")
	}
	copy(data, address)
	result, err := execute(0, len(address))
	if err != nil {
		return 0, errs.InvalidDataf("wasm vm: execute trapped: %v", err)
	}
	n, ok := result.(int64)
	if !ok {
		if n32, ok := result.(int32); ok {
			return int64(n32), nil
		}
		return 0, errs.InvalidDataf("wasm vm: execute did not return an integer")
	}
	return n, nil
}
