package body

import "velthoric/physsync/internal/syncdata"

// Built-in type tags.
const (
	TagBox     = "physsync:box"
	TagCloth   = "physsync:cloth"
	TagCar     = "physsync:car"
	TagRagdoll = "physsync:ragdoll"
)

// BuiltinTags lists the stock type tags every world must be able to spawn.
func BuiltinTags() []string {
	return []string{TagBox, TagCloth, TagCar, TagRagdoll}
}

// Vehicle fields.
const (
	CarThrottle syncdata.Key = iota
	CarSteering
	CarHandbrake
	CarGear
	CarEngineRPM
)

// Box fields.
const (
	BoxColor syncdata.Key = iota
	BoxFrozen
)

// Ragdoll fields.
const (
	RagdollLimp syncdata.Key = iota
	RagdollHeadLook
)

// ClothGridSide is the vertex grid edge length of the built-in cloth.
const ClothGridSide = 8

// RegisterBuiltins installs the stock body types.
func RegisterBuiltins(r *Registry) error {
	specs := []TypeSpec{
		{
			Tag:  TagBox,
			Kind: KindRigid,
			Schema: syncdata.MustSchema(
				syncdata.Definition{Key: BoxColor, Name: "color", Type: syncdata.TypeInt, Default: syncdata.Int(0xffffff)},
				syncdata.Definition{Key: BoxFrozen, Name: "frozen", Type: syncdata.TypeBool},
			),
		},
		{
			Tag:         TagCloth,
			Kind:        KindSoft,
			VertexCount: ClothGridSide * ClothGridSide,
		},
		{
			Tag:  TagCar,
			Kind: KindVehicle,
			Schema: syncdata.MustSchema(
				syncdata.Definition{Key: CarThrottle, Name: "throttle", Type: syncdata.TypeFloat, ClientAuthored: true},
				syncdata.Definition{Key: CarSteering, Name: "steering", Type: syncdata.TypeFloat, ClientAuthored: true},
				syncdata.Definition{Key: CarHandbrake, Name: "handbrake", Type: syncdata.TypeBool, ClientAuthored: true},
				syncdata.Definition{Key: CarGear, Name: "gear", Type: syncdata.TypeInt, Default: syncdata.Int(1)},
				syncdata.Definition{Key: CarEngineRPM, Name: "engine_rpm", Type: syncdata.TypeFloat},
			),
		},
		{
			Tag:  TagRagdoll,
			Kind: KindRagdoll,
			Schema: syncdata.MustSchema(
				syncdata.Definition{Key: RagdollLimp, Name: "limp", Type: syncdata.TypeBool},
				syncdata.Definition{Key: RagdollHeadLook, Name: "head_look", Type: syncdata.TypeQuat},
			),
		},
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
