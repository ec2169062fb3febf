package main

import (
	"log"

	"github.com/jpillora/opts"

	"github.com/Hila-dev/PyTorrent/server"
)

var VERSION = "0.0.0-src" //set with ldflags

func main() {
	s := server.Server{
		Title:      "PyTorrent",
		Port:       3000,
		ConfigPath: "pytorrent.yaml",
	}

	opts.New(&s).Version(VERSION).PkgRepo().Parse()

	if err := s.Run(VERSION); err != nil {
		log.Fatal(err)
	}
}
