// Command vpfsctl is a generic administrative client for a running
// vpfsd: find/place/mkdir/read/write/fetch/store against a local
// daemon's client listener, grounded on the original source's lib.rs
// VPFS methods (exposed here as CLI subcommands, not a single-purpose
// "cat" wrapper).
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/BDhanush/vpfs/client"
	"github.com/BDhanush/vpfs/wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "vpfsctl"
	app.Usage = "administer a running VPFS daemon"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "port", Usage: "local daemon client-listener port", Value: 9000},
	}
	app.Commands = []cli.Command{
		{Name: "find", Usage: "find <path>", ArgsUsage: "<path>", Action: cmdFind},
		{Name: "place", Usage: "place <path> <at-node>", ArgsUsage: "<path> <at-node>", Action: cmdPlace},
		{Name: "mkdir", Usage: "mkdir <path> <at-node>", ArgsUsage: "<path> <at-node>", Action: cmdMkdir},
		{Name: "read", Usage: "read <node> <uri>", ArgsUsage: "<node> <uri>", Action: cmdRead},
		{Name: "write", Usage: "write <node> <uri> <local-file>", ArgsUsage: "<node> <uri> <local-file>", Action: cmdWrite},
		{Name: "fetch", Usage: "fetch <name>", ArgsUsage: "<name>", Action: cmdFetch},
		{Name: "store", Usage: "store <name> <local-file>", ArgsUsage: "<name> <local-file>", Action: cmdStore},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("vpfsctl command failed")
	}
}

func connect(c *cli.Context) (*client.Client, error) {
	return client.Connect(uint16(c.GlobalInt("port")))
}

func cmdFind(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: find <path>", 1)
	}
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Disconnect()

	entry, err := cl.Find(c.Args().Get(0))
	if err != nil {
		return describeError(err)
	}
	fmt.Printf("%s\tdir=%v\t%s:%s\n", entry.Name, entry.IsDir, entry.Location.NodeName, entry.Location.URI)
	return nil
}

func cmdPlace(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: place <path> <at-node>", 1)
	}
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Disconnect()

	loc, err := cl.Place(c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return describeError(err)
	}
	fmt.Printf("%s:%s\n", loc.NodeName, loc.URI)
	return nil
}

func cmdMkdir(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: mkdir <path> <at-node>", 1)
	}
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Disconnect()

	loc, err := cl.Mkdir(c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return describeError(err)
	}
	fmt.Printf("%s:%s\n", loc.NodeName, loc.URI)
	return nil
}

func cmdRead(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: read <node> <uri>", 1)
	}
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Disconnect()

	loc := wire.Location{NodeName: c.Args().Get(0), URI: c.Args().Get(1)}
	data, err := cl.Read(loc)
	if err != nil {
		return describeError(err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func cmdWrite(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.NewExitError("usage: write <node> <uri> <local-file>", 1)
	}
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Disconnect()

	data, err := readInput(c.Args().Get(2))
	if err != nil {
		return err
	}
	loc := wire.Location{NodeName: c.Args().Get(0), URI: c.Args().Get(1)}
	if err := cl.Write(loc, data); err != nil {
		return describeError(err)
	}
	fmt.Printf("wrote %d bytes\n", len(data))
	return nil
}

func cmdFetch(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: fetch <name>", 1)
	}
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Disconnect()

	data, err := cl.Fetch(c.Args().Get(0))
	if err != nil {
		return describeError(err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func cmdStore(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: store <name> <local-file>", 1)
	}
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Disconnect()

	data, err := readInput(c.Args().Get(1))
	if err != nil {
		return err
	}
	if err := cl.Store(c.Args().Get(0), data); err != nil {
		return describeError(err)
	}
	fmt.Printf("stored %d bytes\n", len(data))
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func describeError(err error) error {
	if werr, ok := err.(*wire.Error); ok {
		return cli.NewExitError("vpfs error: "+werr.Error(), 1)
	}
	return cli.NewExitError(err.Error(), 1)
}
