package buildinfo

import "testing"

func TestString(t *testing.T) {
	oldVersion := Version
	oldCommit := Commit
	oldDate := Date
	Version = "0.4.1"
	Commit = "deadbeef"
	Date = "2026-08-01"
	defer func() {
		Version = oldVersion
		Commit = oldCommit
		Date = oldDate
	}()

	got := String()
	want := "lockerfleetd version=0.4.1 commit=deadbeef date=2026-08-01"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
