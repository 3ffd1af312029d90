package flags

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestDecodeYmlFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "flags")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ok, err := DecodeYmlFile(filepath.Join(dir, DefaultConfigFile))
	if ok || err != nil {
		t.Errorf("missing file: want (false, nil), got (%v, %v)", ok, err)
	}

	saved := []interface{}{PtstoLog, IndirLog, Rounds, NoCycles, Renumber}
	defer func() {
		PtstoLog, IndirLog = saved[0].(string), saved[1].(string)
		Rounds, NoCycles, Renumber = saved[2].(int), saved[3].(bool), saved[4].(bool)
	}()

	path := filepath.Join(dir, DefaultConfigFile)
	const yml = `sfscfgs:
  - ptstoLog: samples/ptsto.log
    rounds: 1
    noCycles: true
`
	if err := ioutil.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	ok, err = DecodeYmlFile(path)
	if !ok || err != nil {
		t.Fatalf("want (true, nil), got (%v, %v)", ok, err)
	}
	if PtstoLog != "samples/ptsto.log" || Rounds != 1 || !NoCycles {
		t.Errorf("want samples/ptsto.log, 1, true; got %s, %d, %v", PtstoLog, Rounds, NoCycles)
	}
	if IndirLog != saved[1].(string) || Renumber != saved[4].(bool) {
		t.Errorf("unset fields changed: %s, %v", IndirLog, Renumber)
	}

	if err := ioutil.WriteFile(path, []byte("sfscfgs: [oops"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeYmlFile(path); err == nil {
		t.Errorf("want a decode error")
	}
}
