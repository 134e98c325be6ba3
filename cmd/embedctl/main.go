// Command embedctl launches embedded servers from launch manifests
package main

import "github.com/jrepp/prism-embed/cmd/embedctl/cmd"

func main() {
	cmd.Execute()
}
