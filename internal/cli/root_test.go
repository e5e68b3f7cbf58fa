package cli

import "testing"

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand()
	want := map[string]bool{
		"broker":        false,
		"tunnel-daemon": false,
		"proxy":         false,
		"console":       false,
		"shell":         false,
		"doctor":        false,
	}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %s missing", name)
		}
	}
}

func TestBrokerFlagDefaults(t *testing.T) {
	root := NewRootCommand()
	brokerCmd, _, err := root.Find([]string{"broker"})
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]string{
		"listen-addr":  "127.0.0.1:19307",
		"control-addr": "127.0.0.1:19308",
		"config":       "config/config.toml",
		"audit-dir":    "logs",
	}
	for name, want := range cases {
		flag := brokerCmd.Flags().Lookup(name)
		if flag == nil {
			t.Errorf("flag %s missing", name)
			continue
		}
		if flag.DefValue != want {
			t.Errorf("flag %s default = %q, want %q", name, flag.DefValue, want)
		}
	}
}
