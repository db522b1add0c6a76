// Package imaging parses geometry tokens and renders derived JPEG variants.
// It treats resampling as a black box (nfnt/resize) and only owns the size
// planning rules: fit mode scales into the box without upscaling, crop mode
// covers the box and trims the overflow around the centre.
package imaging
