// Package nn provides the dense tensor operators used by the pyramid: the "black box"
// shape-transforming primitives that the sparse routing engine calls on gathered blocks.
//
// All spatial tensors use NHWC layout: [batch][height][width][channels], flattened
// row-major into Tensor.Data.
//
// Operators:
//   - Conv2D: stride-1 convolution with "valid" or "same" padding, lowered to an
//     im2row matrix and multiplied with gonum
//   - MaxPool2D: non-overlapping max pooling
//   - UpsampleNearest: nearest-neighbour upsampling by an integer factor
//   - CenterCrop: crops height/width symmetrically (floor on top/left, ceil on bottom/right)
//   - ConcatChannels: concatenates two tensors along the channel axis
//
// Example usage:
//
//	rng := rand.New(rand.NewSource(1))
//	layer := nn.InitConv2D(3, 16, 3, nn.PaddingValid, nn.ActivationReLU, rng)
//	out, err := layer.Forward(input) // [b][h-2][w-2][16]
package nn
