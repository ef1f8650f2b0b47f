package vm_test

import (
	"context"
	"testing"

	"cellmesh/cell"
	"cellmesh/peer"
	"cellmesh/vm"
)

func vectorOf(t *testing.T, elems ...cell.Cell) cell.Vector {
	t.Helper()
	v := cell.Vector(cell.Empty())
	for _, e := range elems {
		var err error
		v, err = cell.Append(context.Background(), v, e)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return v
}

func TestNativeVMArithmetic(t *testing.T) {
	ctx := context.Background()
	exec := vm.NewNativeVM()
	form := vectorOf(t, cell.Symbol("*"), cell.Long(6), cell.Long(7))
	_, result, err := exec.Execute(ctx, form, []byte("addr"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Code != peer.CodeOK {
		t.Fatalf("code = %v, want OK", result.Code)
	}
	if result.Value.(cell.Long) != 42 {
		t.Fatalf("value = %v, want 42", result.Value)
	}
}

func TestNativeVMUnknownOperatorIsException(t *testing.T) {
	ctx := context.Background()
	exec := vm.NewNativeVM()
	form := vectorOf(t, cell.Symbol("frobnicate"), cell.Long(1))
	_, result, err := exec.Execute(ctx, form, []byte("addr"), nil)
	if err != nil {
		t.Fatalf("execute should not return a Go error: %v", err)
	}
	if result.Code != peer.CodeException {
		t.Fatalf("code = %v, want EXCEPTION", result.Code)
	}
}

func TestNativeVMTransferMovesBalance(t *testing.T) {
	ctx := context.Background()
	from := []byte("alice")
	to := []byte("bob")

	accEntry := func(addr []byte, balance int64) cell.MapEntry {
		keyRef, err := cell.NewRef(cell.Blob(addr))
		if err != nil {
			t.Fatalf("key ref: %v", err)
		}
		valRef, err := cell.NewRef(&peer.AccountStatus{Balance: balance, PublicKey: addr})
		if err != nil {
			t.Fatalf("value ref: %v", err)
		}
		return cell.MapEntry{Key: keyRef, Value: valRef}
	}
	accounts, err := cell.NewMap([]cell.MapEntry{accEntry(from, 100)})
	if err != nil {
		t.Fatalf("accounts map: %v", err)
	}
	peers, err := cell.NewMap(nil)
	if err != nil {
		t.Fatalf("peers map: %v", err)
	}
	state, err := peer.NewState(accounts, peers, 0)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}

	exec := vm.NewNativeVM()
	form := vectorOf(t, cell.Symbol("transfer"), cell.Blob(to), cell.Long(30))
	newState, result, err := exec.Execute(ctx, form, from, state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Code != peer.CodeOK {
		t.Fatalf("code = %v, want OK, message=%q", result.Code, result.Message)
	}

	newAccounts, err := newState.Accounts(ctx)
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	fromRef, ok := newAccounts.Get(cell.Blob(from))
	if !ok {
		t.Fatalf("expected from account to exist")
	}
	fromVal, err := fromRef.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if fromVal.(*peer.AccountStatus).Balance != 70 {
		t.Fatalf("from balance = %d, want 70", fromVal.(*peer.AccountStatus).Balance)
	}
	toRef, ok := newAccounts.Get(cell.Blob(to))
	if !ok {
		t.Fatalf("expected to account to exist")
	}
	toVal, err := toRef.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if toVal.(*peer.AccountStatus).Balance != 30 {
		t.Fatalf("to balance = %d, want 30", toVal.(*peer.AccountStatus).Balance)
	}
}
