package continuity

import (
	"fmt"
	"strings"
)

// temporalDirective is prepended when a reference frame is attached. The
// provider has no native style-lock primitive, so continuity is reinforced
// textually as well.
const temporalDirective = "[TEMPORAL CONTINUITY] Continue directly from the previous scene. " +
	"Preserve the environment, lighting, camera setup and characters exactly as established; " +
	"change only the action described below."

const sceneDivider = "\n\n--- SCENE ---\n"

// BuildScenePrompt assembles the prompt submitted for one scene. The first
// scene of a batch uses its raw prompt; later scenes embed the shared scene
// context ahead of the scene text, and a temporal directive when a reference
// frame accompanies the submission.
func BuildScenePrompt(scenePrompt, sceneContext string, hasReferenceFrame bool) string {
	prompt := scenePrompt
	if strings.TrimSpace(sceneContext) != "" {
		prompt = sceneContext + sceneDivider + scenePrompt
	}
	if hasReferenceFrame {
		prompt = temporalDirective + "\n\n" + prompt
	}
	return prompt
}

// contextInstruction is the fixed template sent to the text model to distill
// the persistent visual attributes of the first scene. The categories mirror
// what a cinematographer would lock down between setups.
const contextInstruction = `You are a professional cinematographer and visual consistency expert. Extract EXTREMELY DETAILED visual context from this video scene description so later scenes can be rendered with perfect visual consistency.

Scene description: %q

Provide ULTRA-SPECIFIC details in this EXACT format:

PHYSICAL_SETTING:
- Location type, architecture, spatial layout and background elements, with exact materials and colors.

CHARACTERS:
- Main subjects, age and appearance, exact clothing colors and materials, position in frame.

LIGHTING_SETUP:
- Primary light source and direction, light quality, color temperature, shadow characteristics, time-of-day indicator.

CAMERA_TECHNICAL:
- Shot type, camera height and angle, camera movement, lens characteristics, depth of field, frame composition.

VISUAL_STYLE:
- Overall aesthetic, mood and atmosphere, film look, motion blur.

COLOR_GRADING:
- Primary color palette (3-5 dominant colors), saturation level, contrast level, color temperature bias, skin tones, accent colors.

CONTINUITY_MARKERS:
- Unique identifiable props, patterns and textures that must remain consistent, and their spatial relationships.

Be EXTREMELY specific: exact colors ("soft cream beige", not "beige"), exact materials ("fluffy shag carpet", not "carpet"), exact positions ("subject on the left third of frame", not "on the left"). The more specific the answer, the better the visual consistency across scenes.`

func buildContextInstruction(scenePrompt string) string {
	return fmt.Sprintf(contextInstruction, scenePrompt)
}
