package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/snapshot"
)

// runInspect decodes a checkpoint file (envelope or bare canonical JSON) and
// prints it as canonical JSON. A summary goes to errOut.
func runInspect(args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(errOut)
	compact := fs.Bool("compact", false, "print without indentation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: arc-catalog inspect [-compact] <file>")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	var c *catalog.Catalog
	if snapshot.IsEnvelope(data) {
		var hdr snapshot.Header
		c, hdr, err = snapshot.Decode(data)
		if err != nil {
			return err
		}
		fmt.Fprintf(errOut, "envelope: format=%s compression=%s sequence=%d\n", hdr.Format, hdr.Compression, hdr.Sequence)
	} else {
		c, err = catalog.Decode(data)
		if err != nil {
			return err
		}
	}

	dbs, tables, cols := c.Stats()
	fmt.Fprintf(errOut, "catalog: node=%s instance=%s sequence=%d databases=%d tables=%d columns=%d\n",
		c.NodeID(), c.InstanceID(), c.Sequence(), dbs, tables, cols)

	var body []byte
	if *compact {
		body, err = catalog.Encode(c)
	} else {
		body, err = catalog.EncodeIndent(c)
	}
	if err != nil {
		return err
	}
	if _, err := out.Write(body); err != nil {
		return err
	}
	_, err = io.WriteString(out, "\n")
	return err
}
