package command

import "testing"

func newTestTable() *Table {
	t := NewTable()
	t.Register("get", 1, true, func(cmd *Command) {
		cmd.AddRecord(cmd.Key, "value-for-"+cmd.Key)
	})
	t.Register("put", 2, false, func(cmd *Command) {
		cmd.ResponseMessage = "record_new"
	})
	t.Register("beg", 0, false, func(cmd *Command) {})
	return t
}

func TestParseSplitsNameKeyValue(t *testing.T) {
	table := newTestTable()
	cmd := table.Parse("  put   mykey   my value with spaces  ")
	if cmd.Name != "PUT" {
		t.Fatalf("Name = %q, want PUT", cmd.Name)
	}
	if cmd.Key != "mykey" {
		t.Fatalf("Key = %q, want mykey", cmd.Key)
	}
	if cmd.Value != "my value with spaces" {
		t.Fatalf("Value = %q", cmd.Value)
	}
}

func TestParseUnknownCommandYieldsEmptyCommand(t *testing.T) {
	table := newTestTable()
	cmd := table.Parse("BOGUS foo bar")
	if cmd.Name != "" || cmd.Key != "" || cmd.Value != "" {
		t.Fatalf("expected empty Command for unknown name, got %+v", cmd)
	}
}

func TestExecuteMissingArgument(t *testing.T) {
	table := newTestTable()
	cmd := table.Parse("PUT onlykey")
	ok := table.Execute(cmd)
	if ok {
		t.Fatal("expected Execute to fail on missing argument")
	}
	if cmd.ResponseMessage != msgArgumentMissing {
		t.Fatalf("ResponseMessage = %q, want %q", cmd.ResponseMessage, msgArgumentMissing)
	}
}

func TestExecuteBadSymbolInNonWildcardKey(t *testing.T) {
	table := newTestTable()
	cmd := table.Parse("PUT my*key value")
	ok := table.Execute(cmd)
	if ok {
		t.Fatal("expected Execute to reject wildcard chars on non-wildcard command")
	}
	if cmd.ResponseMessage != msgArgumentBadSymbol {
		t.Fatalf("ResponseMessage = %q, want %q", cmd.ResponseMessage, msgArgumentBadSymbol)
	}
}

func TestExecuteAllowsWildcardWhenPermitted(t *testing.T) {
	table := newTestTable()
	cmd := table.Parse("GET my*key")
	if !table.Execute(cmd) {
		t.Fatalf("expected Execute to succeed: %+v", cmd)
	}
}

func TestExecuteZeroArgCommand(t *testing.T) {
	table := newTestTable()
	cmd := table.Parse("BEG")
	if !table.Execute(cmd) {
		t.Fatalf("expected zero-arg command to execute: %+v", cmd)
	}
}

func TestFormatResponseUnknownCommandIsOverview(t *testing.T) {
	table := newTestTable()
	cmd := table.Parse("BOGUS")
	table.Execute(cmd)
	got := table.FormatResponse(cmd)
	want := "SUPPORTED_COMMANDS: GET, PUT, BEG\r\n"
	if got != want {
		t.Fatalf("FormatResponse = %q, want %q", got, want)
	}
}

func TestFormatResponseWithRecords(t *testing.T) {
	table := newTestTable()
	cmd := table.Parse("GET hello")
	table.Execute(cmd)
	got := table.FormatResponse(cmd)
	want := "GET:hello:value-for-hello\r\n"
	if got != want {
		t.Fatalf("FormatResponse = %q, want %q", got, want)
	}
}

func TestFormatResponseWithoutRecordsOmitsEmptyFields(t *testing.T) {
	table := NewTable()
	table.Register("quit", 0, false, func(cmd *Command) {})
	cmd := table.Parse("QUIT")
	table.Execute(cmd)
	got := table.FormatResponse(cmd)
	want := "QUIT\r\n"
	if got != want {
		t.Fatalf("FormatResponse = %q, want %q", got, want)
	}
}

func TestFormatResponseIncludesResponseMessage(t *testing.T) {
	table := newTestTable()
	cmd := table.Parse("PUT k v")
	table.Execute(cmd)
	got := table.FormatResponse(cmd)
	want := "PUT:k:v:record_new\r\n"
	if got != want {
		t.Fatalf("FormatResponse = %q, want %q", got, want)
	}
}

func TestRegisterPanicsOnDuplicateName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	table := NewTable()
	table.Register("GET", 1, true, func(cmd *Command) {})
	table.Register("get", 1, true, func(cmd *Command) {})
}

func TestRegisterPanicsOnInvalidArgc(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-range argc")
		}
	}()
	table := NewTable()
	table.Register("BAD", 3, false, func(cmd *Command) {})
}
