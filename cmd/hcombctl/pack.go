package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/twoears/hcomb/internal/packer"
	"github.com/twoears/hcomb/pkg/nprand"
)

const (
	modeTrain      = "train"
	modeValidation = "validation"
)

// manifest lists the sequences of one data split.
type manifest struct {
	Sequences []packer.Sequence `yaml:"sequences"`
}

func readManifest(path string) ([]packer.Sequence, error) {
	bs, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}
	var m manifest
	if err := yaml.Unmarshal(bs, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing manifest %s", path)
	}
	return m.Sequences, nil
}

func newPackCmd(a *app) *cobra.Command {
	var (
		mode string
		seed uint32
	)
	cmd := &cobra.Command{
		Use:   "pack MANIFEST",
		Short: "pack the sequences of a manifest into batch rows and print the clip descriptors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seqs, err := readManifest(args[0])
			if err != nil {
				return err
			}
			var clips []packer.Clip
			switch mode {
			case modeTrain:
				if !cmd.Flags().Changed("seed") {
					seed = uint32(time.Now().UnixNano())
				}
				p, err := packer.PackTrain(seqs, a.cfg.Pack, nprand.New(seed))
				if err != nil {
					return err
				}
				log.WithFields(log.Fields{
					"clips":        len(p.Clips),
					"total-frames": p.TotalFrames,
					"discarded":    p.Discarded,
					"seed":         seed,
				}).Info("packed training rows")
				clips = p.Clips
			case modeValidation:
				if clips, err = packer.PackValidation(seqs, a.cfg.Pack.Rows); err != nil {
					return err
				}
			default:
				return errors.Errorf("unknown mode %q, want %s or %s", mode, modeTrain, modeValidation)
			}
			out := cmd.OutOrStdout()
			for _, c := range clips {
				fmt.Fprintf(out, "%d\t%s\n", c.Row, c.Descriptor())
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&mode, "mode", modeTrain, "packing mode (train or validation)")
	flags.Uint32Var(&seed, "seed", 0, "seed for the per-pass shuffles")
	flags.Int("rows", 0, "number of parallel batch rows")
	flags.Int("passes", 0, "number of shuffled passes over the sequences")
	flags.Int("clip-frames", 0, "frames per training clip")
	a.bind(flags, map[string]string{
		"rows":        "pack.rows",
		"passes":      "pack.passes",
		"clip-frames": "pack.clip_frames",
	})
	return cmd
}
