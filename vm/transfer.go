package vm

import (
	"context"

	"cellmesh/cell"
	"cellmesh/errs"
	"cellmesh/peer"
)

// evalTransfer implements `(transfer to amount)`: moves amount from the
// calling address's AccountStatus.Balance to to's, creating the
// recipient account if it does not yet exist. It lets the VM actually
// mutate replicated account state instead of only answering pure
// arithmetic queries.
func evalTransfer(ctx context.Context, state *peer.State, from []byte, args []cell.Cell) (*peer.State, cell.Cell, error) {
	if len(args) != 2 {
		return nil, nil, errs.InvalidDataf("native vm: transfer wants (to amount)")
	}
	toBlob, ok := args[0].(cell.Blob)
	if !ok {
		return nil, nil, errs.InvalidDataf("native vm: transfer: to is not an address")
	}
	amount, ok := numeric(args[1])
	if !ok || amount < 0 {
		return nil, nil, errs.InvalidDataf("native vm: transfer: invalid amount")
	}

	accounts, err := state.Accounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	fromAccount, err := lookupAccount(ctx, accounts, from)
	if err != nil {
		return nil, nil, err
	}
	if fromAccount.Balance < amount {
		return nil, nil, errs.InvalidDataf("native vm: transfer: insufficient balance")
	}
	toAccount, err := lookupAccount(ctx, accounts, []byte(toBlob))
	if err != nil {
		return nil, nil, err
	}

	updatedFrom := *fromAccount
	updatedFrom.Balance -= amount
	updatedTo := *toAccount
	updatedTo.Balance += amount

	newAccounts, err := replaceAccounts(accounts, map[string]*peer.AccountStatus{
		string(from):           &updatedFrom,
		string([]byte(toBlob)): &updatedTo,
	})
	if err != nil {
		return nil, nil, err
	}
	peers, err := state.Peers(ctx)
	if err != nil {
		return nil, nil, err
	}
	newState, err := peer.NewState(newAccounts, peers, state.Timestamp)
	if err != nil {
		return nil, nil, err
	}
	return newState, cell.Bool(true), nil
}

// evalBalance implements `(balance addr)`, a pure query.
func evalBalance(ctx context.Context, state *peer.State, args []cell.Cell) (cell.Cell, error) {
	if len(args) != 1 {
		return nil, errs.InvalidDataf("native vm: balance wants (addr)")
	}
	addr, ok := args[0].(cell.Blob)
	if !ok {
		return nil, errs.InvalidDataf("native vm: balance: addr is not an address")
	}
	accounts, err := state.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	account, err := lookupAccount(ctx, accounts, []byte(addr))
	if err != nil {
		return nil, err
	}
	return cell.Long(account.Balance), nil
}

// lookupAccount resolves the AccountStatus at addr, returning a
// zero-balance record (never stored) when the address has no entry yet.
func lookupAccount(ctx context.Context, accounts *cell.Map, addr []byte) (*peer.AccountStatus, error) {
	ref, ok := accounts.Get(cell.Blob(addr))
	if !ok {
		return &peer.AccountStatus{PublicKey: append([]byte(nil), addr...)}, nil
	}
	v, err := ref.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	account, ok := v.(*peer.AccountStatus)
	if !ok {
		return nil, errs.BadFormatf("native vm: account entry is not an AccountStatus")
	}
	return account, nil
}

// replaceAccounts rebuilds the account table with the given address ->
// AccountStatus overrides applied, inserting new entries for addresses
// not already present.
func replaceAccounts(accounts *cell.Map, overrides map[string]*peer.AccountStatus) (*cell.Map, error) {
	seen := map[string]bool{}
	entries := make([]cell.MapEntry, 0, accounts.Len()+len(overrides))
	for _, e := range accounts.Entries() {
		keyVal, err := e.Key.Resolve(context.Background())
		if err != nil {
			return nil, err
		}
		blob, ok := keyVal.(cell.Blob)
		if !ok {
			return nil, errs.BadFormatf("native vm: account key is not a blob")
		}
		addr := string(blob)
		if override, ok := overrides[addr]; ok {
			valRef, err := cell.NewRef(override)
			if err != nil {
				return nil, err
			}
			entries = append(entries, cell.MapEntry{Key: e.Key, Value: valRef})
			seen[addr] = true
			continue
		}
		entries = append(entries, e)
	}
	for addr, override := range overrides {
		if seen[addr] {
			continue
		}
		keyRef, err := cell.NewRef(cell.Blob(addr))
		if err != nil {
			return nil, err
		}
		valRef, err := cell.NewRef(override)
		if err != nil {
			return nil, err
		}
		entries = append(entries, cell.MapEntry{Key: keyRef, Value: valRef})
	}
	return cell.NewMap(entries)
}
