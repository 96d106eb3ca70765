package numbers

// DefaultTables covers the major US metro area codes and zip prefixes.
// Coordinates are city centres, good enough to rank by distance.
func DefaultTables() Tables {
	return Tables{AreaCodes: areaCodes, ZipPrefixes: zipPrefixes}
}

var (
	nyc          = Coord{40.75, -73.99}
	losAngeles   = Coord{34.05, -118.24}
	chicago      = Coord{41.88, -87.63}
	dallas       = Coord{32.78, -96.80}
	houston      = Coord{29.76, -95.37}
	miami        = Coord{25.76, -80.19}
	denver       = Coord{39.74, -104.99}
	phoenix      = Coord{33.45, -112.07}
	portland     = Coord{45.52, -122.68}
	sanDiego     = Coord{32.72, -117.16}
	seattle      = Coord{47.61, -122.33}
	sanFrancisco = Coord{37.77, -122.42}
	washington   = Coord{38.90, -77.04}
	boston       = Coord{42.36, -71.06}
	philadelphia = Coord{39.95, -75.17}
	atlanta      = Coord{33.75, -84.39}
)

var areaCodes = map[string]Coord{
	"201": {40.73, -74.07},
	"202": washington,
	"206": seattle,
	"212": nyc,
	"213": losAngeles,
	"214": dallas,
	"215": philadelphia,
	"216": {41.50, -81.69},
	"303": denver,
	"305": miami,
	"310": {33.92, -118.40},
	"312": chicago,
	"313": {42.33, -83.05},
	"314": {38.63, -90.20},
	"317": {39.77, -86.16},
	"404": atlanta,
	"407": {28.54, -81.38},
	"410": {39.29, -76.61},
	"412": {40.44, -79.99},
	"414": {43.04, -87.91},
	"415": sanFrancisco,
	"469": dallas,
	"470": atlanta,
	"480": {33.42, -111.83},
	"503": portland,
	"505": {35.08, -106.65},
	"512": {30.27, -97.74},
	"602": phoenix,
	"612": {44.98, -93.27},
	"615": {36.16, -86.78},
	"617": boston,
	"619": sanDiego,
	"646": nyc,
	"702": {36.17, -115.14},
	"704": {35.23, -80.84},
	"713": houston,
	"718": {40.65, -73.95},
	"720": denver,
	"773": chicago,
	"786": miami,
	"801": {40.76, -111.89},
	"808": {21.31, -157.86},
	"813": {27.95, -82.46},
	"816": {39.10, -94.58},
	"832": houston,
	"858": {32.88, -117.16},
	"901": {35.15, -90.05},
	"904": {30.33, -81.66},
	"907": {61.22, -149.90},
	"916": {38.58, -121.49},
	"919": {35.78, -78.64},
	"971": portland,
}

var zipPrefixes = map[string]Coord{
	"021": boston,
	"100": nyc,
	"112": {40.65, -73.95},
	"152": {40.44, -79.99},
	"191": philadelphia,
	"200": washington,
	"212": {39.29, -76.61},
	"276": {35.78, -78.64},
	"282": {35.23, -80.84},
	"303": atlanta,
	"322": {30.33, -81.66},
	"328": {28.54, -81.38},
	"331": miami,
	"336": {27.95, -82.46},
	"372": {36.16, -86.78},
	"381": {35.15, -90.05},
	"441": {41.50, -81.69},
	"462": {39.77, -86.16},
	"482": {42.33, -83.05},
	"532": {43.04, -87.91},
	"554": {44.98, -93.27},
	"606": chicago,
	"631": {38.63, -90.20},
	"641": {39.10, -94.58},
	"752": dallas,
	"770": houston,
	"787": {30.27, -97.74},
	"802": denver,
	"841": {40.76, -111.89},
	"850": phoenix,
	"871": {35.08, -106.65},
	"891": {36.17, -115.14},
	"900": losAngeles,
	"921": sanDiego,
	"941": sanFrancisco,
	"958": {38.58, -121.49},
	"968": {21.31, -157.86},
	"972": portland,
	"981": seattle,
	"995": {61.22, -149.90},
}
