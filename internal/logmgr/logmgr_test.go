package logmgr

import (
	"testing"

	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// newDbregRegister, newCrdelRename, and newCrdelDelete hand-build log
// records against the wire layouts internal/amrec/crdel.go treats as
// fixed on-disk invariants, mirroring internal/recovery's test helpers
// (amrec's logXxx functions are unexported).

func newDbregRegister(t *testing.T, opcode uint32, fileid [walcore.FileIDSize]byte, name string) []byte {
	t.Helper()
	b := walcore.NewBuilder(32 + len(name))
	b.PutU32(opcode)
	b.PutFileID(fileid)
	b.PutDBT([]byte(name))
	b.PutU32(1) // ftype
	b.PutPgno(1)
	env := walcore.Envelope{RecType: logrec.RecDbregRegister, TxnNum: 1, PrevLSN: lsn.Zero}
	return walcore.Marshal(env, b.Bytes())
}

func newCrdelRename(t *testing.T, fileid [walcore.FileIDSize]byte, name, newname string) []byte {
	t.Helper()
	b := walcore.NewBuilder(24 + len(name) + len(newname))
	b.PutFileID(fileid)
	b.PutDBT([]byte(name))
	b.PutDBT([]byte(newname))
	env := walcore.Envelope{RecType: logrec.RecCrdelRename, TxnNum: 1, PrevLSN: lsn.Zero}
	return walcore.Marshal(env, b.Bytes())
}

func newCrdelDelete(t *testing.T, fileid [walcore.FileIDSize]byte, name string) []byte {
	t.Helper()
	b := walcore.NewBuilder(24 + len(name))
	b.PutFileID(fileid)
	b.PutDBT([]byte(name))
	env := walcore.Envelope{RecType: logrec.RecCrdelDelete, TxnNum: 1, PrevLSN: lsn.Zero}
	return walcore.Marshal(env, b.Bytes())
}

func openManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func TestArchive_Log(t *testing.T) {
	m := openManager(t)
	defer m.Close()

	names, err := m.Archive(lsn.LSN{File: 1}, ArchiveLog)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no archivable files before any rotation, got %v", names)
	}
}

func TestArchive_DataTracksRegisterRenameDelete(t *testing.T) {
	m := openManager(t)
	defer m.Close()

	var fidA, fidB [walcore.FileIDSize]byte
	fidA[0] = 1
	fidB[0] = 2

	if _, err := m.Put(newDbregRegister(t, 1, fidA, "a.db"), NoSync); err != nil {
		t.Fatalf("put register a: %v", err)
	}
	if _, err := m.Put(newDbregRegister(t, 1, fidB, "b.db"), NoSync); err != nil {
		t.Fatalf("put register b: %v", err)
	}

	names, err := m.Archive(lsn.Zero, ArchiveData)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(names) != 2 || names[0] != "a.db" || names[1] != "b.db" {
		t.Fatalf("expected [a.db b.db], got %v", names)
	}

	if _, err := m.Put(newCrdelRename(t, fidA, "a.db", "a2.db"), NoSync); err != nil {
		t.Fatalf("put rename: %v", err)
	}
	if _, err := m.Put(newCrdelDelete(t, fidB, "b.db"), NoSync); err != nil {
		t.Fatalf("put delete: %v", err)
	}

	names, err = m.Archive(lsn.Zero, ArchiveData)
	if err != nil {
		t.Fatalf("Archive after rename/delete: %v", err)
	}
	if len(names) != 1 || names[0] != "a2.db" {
		t.Fatalf("expected [a2.db] after rename+delete, got %v", names)
	}
}

func TestArchive_DataEmptyLog(t *testing.T) {
	m := openManager(t)
	defer m.Close()

	names, err := m.Archive(lsn.Zero, ArchiveData)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no live data files in an empty log, got %v", names)
	}
}
