package pipeline

import "github.com/samcharles93/vidgen/internal/weights"

// modChunks is the number of hidden-width vectors in a block's modulation:
// shift, scale and gate for attention, then for the MLP.
const modChunks = 6

// Layout lists the tensors a pipeline built from cfg reads. Groups are the
// units the residency manager moves: the pre-projection, one per block and the
// post-projection.
func Layout(cfg Config) weights.Layout {
	d, c, t, f := cfg.Hidden, cfg.LatentChannels, cfg.TextDim, cfg.FreqDim
	mlp := cfg.MLPRatio * d
	pre := func(name string, scale float32, shape ...int) weights.Entry {
		return weights.Entry{Group: weights.GroupPre, Name: name, Shape: shape, Scale: scale}
	}

	l := weights.Layout{
		pre("patch.w", 0.3, cfg.InChannels(), d),
		pre("patch.b", 0.02, d),
		pre("time.w1", 0.2, f, d),
		pre("time.b1", 0.02, d),
		pre("time.w2", 0.2, d, d),
		pre("time.b2", 0.02, d),
		pre("mod.w", 0.05, d, modChunks*d),
		pre("mod.b", 0.02, modChunks*d),
	}
	switch cfg.Family {
	case Wan:
		l = append(l,
			pre("text.w", 0.2, t, d),
			pre("text.b", 0.02, d),
		)
	case Hunyuan:
		l = append(l,
			pre("guide.w1", 0.2, f, d),
			pre("guide.b1", 0.02, d),
			pre("guide.w2", 0.2, d, d),
			pre("guide.b2", 0.02, d),
			pre("pooled.w", 0.2, t, d),
			pre("pooled.b", 0.02, d),
		)
	}

	for i := range cfg.Blocks {
		g := weights.BlockGroup(i)
		blk := func(name string, scale float32, shape ...int) weights.Entry {
			return weights.Entry{Group: g, Name: name, Shape: shape, Scale: scale}
		}
		l = append(l,
			blk("mod", 0.05, modChunks, d),
			blk("attn.q", 0.2, d, d),
			blk("attn.k", 0.2, d, d),
			blk("attn.v", 0.2, d, d),
			blk("attn.o", 0.2, d, d),
			blk("attn.o.b", 0.02, d),
		)
		if cfg.Family == Wan {
			l = append(l,
				blk("cross.q", 0.2, d, d),
				blk("cross.k", 0.2, d, d),
				blk("cross.v", 0.2, d, d),
				blk("cross.o", 0.2, d, d),
				blk("cross.o.b", 0.02, d),
			)
		}
		l = append(l,
			blk("mlp.w1", 0.2, d, mlp),
			blk("mlp.b1", 0.02, mlp),
			blk("mlp.w2", 0.2, mlp, d),
			blk("mlp.b2", 0.02, d),
		)
	}

	post := func(name string, scale float32, shape ...int) weights.Entry {
		return weights.Entry{Group: weights.GroupPost, Name: name, Shape: shape, Scale: scale}
	}
	return append(l,
		post("mod", 0.05, 2, d),
		post("head.w", 0.2, d, c),
		post("head.b", 0.02, c),
	)
}
