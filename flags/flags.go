// Package flags holds the settings shared by the specsfs commands.
// Defaults are overridden first by an optional specsfs.yml, then by
// command-line flags.
package flags

import (
	"io/ioutil"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// DefaultConfigFile is read from the working directory when present.
const DefaultConfigFile = "specsfs.yml"

//user
var DoLog = false              // debug-level logging
var PtstoLog = "dyn_ptsto.log" // dynamic points-to samples
var IndirLog = "indir_fcn.log" // dynamic indirect-call targets
var Rounds = 3                 // unification rounds
var NoCycles = false           // skip copy-cycle collapsing
var NoEquivalence = false      // skip pointer-equivalence grouping
var Renumber = false           // renumber identities before unifying
var CheckClone = false         // verify the renumbered clone
var ValidateSamples = false    // check samples against the solution

//bz: mirrors specsfs.yml; unset fields keep their current value
type Config struct {
	SfsCfgs []SfsCfg `yaml:"sfscfgs"`
}

type SfsCfg struct {
	PtstoLog        string `yaml:"ptstoLog"`
	IndirLog        string `yaml:"indirLog"`
	Rounds          *int   `yaml:"rounds"`
	NoCycles        *bool  `yaml:"noCycles"`
	NoEquivalence   *bool  `yaml:"noEquivalence"`
	Renumber        *bool  `yaml:"renumber"`
	CheckClone      *bool  `yaml:"checkClone"`
	ValidateSamples *bool  `yaml:"validateSamples"`
	Debug           *bool  `yaml:"debug"`
}

// DecodeYmlFile applies the settings in the yml file at path.  It
// returns false, and no error, if there is no such file.
func DecodeYmlFile(path string) (bool, error) {
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("read config: %w", err)
	}
	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return false, xerrors.Errorf("yml decode error in %s: %w", path, err)
	}
	for _, c := range cfg.SfsCfgs {
		c.apply()
	}
	log.Debugf("applied %d config sections from %s", len(cfg.SfsCfgs), path)
	return true, nil
}

func (c *SfsCfg) apply() {
	if c.PtstoLog != "" {
		PtstoLog = c.PtstoLog
	}
	if c.IndirLog != "" {
		IndirLog = c.IndirLog
	}
	if c.Rounds != nil {
		Rounds = *c.Rounds
	}
	setBool(&NoCycles, c.NoCycles)
	setBool(&NoEquivalence, c.NoEquivalence)
	setBool(&Renumber, c.Renumber)
	setBool(&CheckClone, c.CheckClone)
	setBool(&ValidateSamples, c.ValidateSamples)
	setBool(&DoLog, c.Debug)
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
