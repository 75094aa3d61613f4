// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package linear

// V2 is a 2-component vector of float32, used for texture
// coordinates.
type V2 [2]float32
