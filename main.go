// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"github.com/hashicorp/nomad-driver-zvm/virt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/plugins"
)

func main() {
	plugins.Serve(factory)
}

// factory returns a new instance of the z/VM driver plugin.
func factory(log hclog.Logger) interface{} {
	return virt.NewPlugin(log)
}
