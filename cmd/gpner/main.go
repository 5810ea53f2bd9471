// gpner trains and evaluates a global pointer named entity recognition model.
//
// Usage:
//
//	gpner train --corpus=msra/ner/data.json
//	gpner test --checkpoint=ckpt/global_pointer/epoch=3-val_loss=8.89.safetensors
package main

import "github.com/gomlx/go-globalpointer/cmd/gpner/cmd"

func main() {
	cmd.Execute()
}
