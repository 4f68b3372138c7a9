// Command protect patches a host PE's virtualizable instructions with
// jumps into a sidecar interpreter PE, per pkg/protector.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"

	"github.com/voidwalk/pevirt/pkg/peimage"
	"github.com/voidwalk/pevirt/pkg/protector"
)

func main() {
	hostPath := flag.String("host", "", "path to the host PE to protect")
	interpPath := flag.String("interpreter", "", "path to the sidecar interpreter PE")
	outPath := flag.String("out", "", "path to write the protected PE")
	noRDataScan := flag.Bool("no-rdata-scan", false, "disable .rdata function-pointer seeding")
	seed := flag.Int64("seed", 1, "PRNG seed for filler bytes and bytecode keys")
	flag.Parse()

	if *hostPath == "" || *interpPath == "" || *outPath == "" {
		flag.Usage()
		log.Fatal("protect: -host, -interpreter and -out are required")
	}

	host, err := peimage.Open(*hostPath)
	if err != nil {
		log.Fatalf("protect: open host: %v", err)
	}
	interp, err := peimage.Open(*interpPath)
	if err != nil {
		log.Fatalf("protect: open interpreter: %v", err)
	}

	p := &protector.Pipeline{
		Host:                host,
		Interpreter:         interp,
		Virtualizer:         protector.DefaultVirtualizer{},
		FollowRDataPointers: !*noRDataScan,
		Rand:                rand.New(rand.NewSource(*seed)),
	}

	out, err := p.Protect()
	if err != nil {
		log.Fatalf("protect: %v", err)
	}

	if err := os.WriteFile(*outPath, out, 0o755); err != nil {
		log.Fatalf("protect: write %s: %v", *outPath, err)
	}
}
