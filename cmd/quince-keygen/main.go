// quince-keygen generates a new daemon identity and writes it to a data
// directory's "id" and "id_pub" files.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lispmeister/quince/internal/identity"
)

var (
	dataDir = flag.String("data_dir", "", "data directory to write id/id_pub into")
	force   = flag.Bool("force", false, "overwrite an existing identity")
)

func main() {
	flag.Parse()

	if *dataDir == "" {
		fmt.Println("data directory missing, forgot --data_dir?")
		os.Exit(1)
	}

	secretPath := filepath.Join(*dataDir, "id")
	publicPath := filepath.Join(*dataDir, "id_pub")

	if _, err := os.Stat(secretPath); err == nil && !*force {
		fmt.Printf("%s already exists, pass --force to overwrite\n", secretPath)
		os.Exit(1)
	}

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		fmt.Printf("error creating %s: %v\n", *dataDir, err)
		os.Exit(1)
	}

	id, err := identity.Generate()
	if err != nil {
		fmt.Printf("error generating identity: %v\n", err)
		os.Exit(1)
	}

	if err := identity.Save(id, secretPath, publicPath); err != nil {
		fmt.Printf("error saving identity: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("generated identity %s\n", id.PublicHex())
	fmt.Printf("  secret key: %s\n", secretPath)
	fmt.Printf("  public key: %s\n", publicPath)
}
